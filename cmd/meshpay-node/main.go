package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"meshpay/internal/crypto"
	"meshpay/internal/daemon"
	"meshpay/internal/events"
	"meshpay/internal/metrics"
	"meshpay/internal/proto"
	"meshpay/internal/store"
	"meshpay/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshpay-node <run|status|peers|send|balance> [args]")
	fmt.Fprintln(w, "  run     --addr <ip:port> [--bootstrap a,b] [--online] [--relay] [--chain-ids 1,11155111] [--debug]")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  peers")
	fmt.Fprintln(w, "  send    --relayer <ip:port> --to <addr> --value <wei> [--gas-limit n] [--gas-price wei] [--nonce n] [--chain-id n] [--data hex]")
	fmt.Fprintln(w, "  balance --relayer <ip:port> [--address <addr>]")
}

func homeDir() string {
	if h := os.Getenv("MESHPAY_HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshpay")
}

func parseChainIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chain id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	bootstrap := fs.String("bootstrap", "", "comma-separated peer addrs to scan")
	online := fs.Bool("online", false, "node has internet access")
	canRelay := fs.Bool("relay", false, "advertise as relay capable")
	chainIDs := fs.String("chain-ids", "", "comma-separated accepted chain ids")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("MESHPAY_DEBUG", "1")
	}
	chains, err := parseChainIDs(*chainIDs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	var boot []string
	if *bootstrap != "" {
		boot = strings.Split(*bootstrap, ",")
	}

	link := transport.NewQUICLink(*addr, transport.QUICOptions{Bootstrap: boot})
	runner, err := daemon.NewRunner(homeDir(), daemon.Options{
		Transport: link,
		Online:    *online,
		CanRelay:  *canRelay,
		ChainIDs:  chains,
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s address=%s roles=%s\n",
		*addr, runner.Self.Address().Hex(), runner.Self.Roles.Role())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, _ io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	root := homeDir()
	id, err := crypto.LoadIdentity(root)
	if err != nil {
		fmt.Fprintf(stdout, "status: no identity under %s: %v\n", root, err)
		return 1
	}
	fmt.Fprintf(stdout, "address: %s\n", id.Address().Hex())

	snap := readMetricsSnapshot(filepath.Join(root, "metrics.json"))
	fmt.Fprintln(stdout, "handshakes:")
	fmt.Fprintf(stdout, "  started=%d completed=%d failed=%d timed_out=%d\n",
		snap.Handshake.Started, snap.Handshake.Completed, snap.Handshake.Failed, snap.Handshake.TimedOut)
	fmt.Fprintln(stdout, "transfer:")
	fmt.Fprintf(stdout, "  chunks_sent=%d retries=%d acks=%d assembled=%d\n",
		snap.Transfer.ChunksSent, snap.Transfer.ChunkRetries, snap.Transfer.AcksReceived, snap.Transfer.PayloadsAssembled)
	fmt.Fprintf(stdout, "  dropped: checksum=%d duplicate=%d reassembly=%d send_failures=%d\n",
		snap.Transfer.ChecksumDrops, snap.Transfer.DuplicateDrops, snap.Transfer.ReassemblyFailures, snap.Transfer.SendFailures)
	fmt.Fprintln(stdout, "relay:")
	fmt.Fprintf(stdout, "  tx: validated=%d rejected=%d broadcast=%d failed=%d balances_served=%d\n",
		snap.Relay.TxValidated, snap.Relay.TxRejected, snap.Relay.Broadcasts, snap.Relay.BroadcastFailures, snap.Relay.BalancesServed)

	if peersSnap, err := daemon.ReadPeersSnapshot(root); err == nil {
		fmt.Fprintf(stdout, "peers: %d in range", len(peersSnap.Peers))
		if peersSnap.Selected != "" {
			fmt.Fprintf(stdout, ", relayer=%s", peersSnap.Selected)
		}
		fmt.Fprintln(stdout)
	}

	if db, err := store.Open(filepath.Join(root, "meshpay.db")); err == nil {
		defer db.Close()
		if recent, err := db.RecentTransactions(context.Background(), 5); err == nil && len(recent) > 0 {
			fmt.Fprintln(stdout, "recent transactions:")
			for _, rec := range recent {
				fmt.Fprintf(stdout, "  %s  %s  %s\n", rec.TxRef[:16], rec.Status, rec.UpdatedAt.Format(time.RFC3339))
			}
		}
	}
	return 0
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	var snap metrics.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap
	}
	_ = json.Unmarshal(data, &snap)
	return snap
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := daemon.ReadPeersSnapshot(homeDir())
	if err != nil {
		fmt.Fprintf(stderr, "no peers snapshot (is the daemon running?): %v\n", err)
		return 1
	}
	if len(snap.Peers) == 0 {
		fmt.Fprintln(stdout, "no peers in range")
		return 0
	}
	for _, p := range snap.Peers {
		marker := " "
		if p.ID == snap.Selected {
			marker = "*"
		}
		signal := "?"
		if p.HasSignal {
			signal = strconv.Itoa(p.Signal)
		}
		fmt.Fprintf(stdout, "%s %-24s roles=%-20s signal=%-5s addr=%s last_seen=%s\n",
			marker, p.ID, p.Roles, signal, p.AddrFrag, p.LastSeen.Format(time.RFC3339))
	}
	return 0
}

// ephemeralRunner starts a short-lived node on a random port that scans
// the given relayer address; used by send and balance.
func ephemeralRunner(ctx context.Context, relayerAddr string) (*daemon.Runner, error) {
	link := transport.NewQUICLink("127.0.0.1:0", transport.QUICOptions{
		Bootstrap:    []string{relayerAddr},
		ScanInterval: 500 * time.Millisecond,
	})
	runner, err := daemon.NewRunner(homeDir(), daemon.Options{Transport: link})
	if err != nil {
		return nil, err
	}
	go func() { _ = runner.Run(ctx) }()
	return runner, nil
}

func waitForRelayer(ctx context.Context, runner *daemon.Runner) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no relayer found: %w", ctx.Err())
		case <-ticker.C:
			if id, ok := runner.Directory.Selected(); ok {
				return id, nil
			}
		}
	}
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayer := fs.String("relayer", "", "relayer addr (host:port)")
	to := fs.String("to", "", "recipient address")
	value := fs.String("value", "", "value in wei")
	gasLimit := fs.Uint64("gas-limit", 21000, "gas limit")
	gasPrice := fs.String("gas-price", "1000000000", "gas price in wei")
	nonce := fs.Int64("nonce", 0, "account nonce")
	chainID := fs.Int64("chain-id", 1, "chain id")
	data := fs.String("data", "", "calldata, hex")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *relayer == "" || *to == "" || *value == "" {
		fmt.Fprintln(stderr, "missing --relayer, --to or --value")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	runner, err := ephemeralRunner(ctx, *relayer)
	if err != nil {
		fmt.Fprintf(stderr, "start node: %v\n", err)
		return 1
	}
	if _, err := waitForRelayer(ctx, runner); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	tx := proto.SignedTransaction{
		Type:     proto.PayloadTypeTx,
		From:     runner.Self.Address().Hex(),
		To:       *to,
		Value:    *value,
		GasLimit: *gasLimit,
		GasPrice: *gasPrice,
		Nonce:    *nonce,
		ChainID:  *chainID,
		Data:     *data,
	}
	sig, err := runner.Self.Identity.SignDigest(proto.TxDigest(tx))
	if err != nil {
		fmt.Fprintf(stderr, "sign: %v\n", err)
		return 1
	}
	tx.Signature = hex.EncodeToString(sig)
	txRef := proto.TxRef(tx)

	sub, unsub := runner.Bus.Subscribe()
	defer unsub()

	progress := mpb.New(mpb.WithWidth(40), mpb.WithOutput(stderr))
	var bar *mpb.Bar
	relayerID, err := runner.SendToRelayer(ctx, tx, func(sent, total int) {
		if bar == nil {
			bar = progress.AddBar(int64(total),
				mpb.PrependDecorators(decor.Name("chunks "), decor.CountersNoUnit("%d/%d")),
				mpb.AppendDecorators(decor.Percentage()),
			)
		}
		bar.SetCurrent(int64(sent))
	})
	if err != nil && bar != nil {
		bar.Abort(true)
	}
	progress.Wait()
	if err != nil {
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "delivered tx %s to relayer %s\n", txRef, relayerID)

	// Wait for the receipt (always) and the broadcast result (when the
	// relayer is online).
	gotReceipt := false
	for {
		select {
		case <-ctx.Done():
			if !gotReceipt {
				fmt.Fprintln(stderr, "no receipt before timeout")
				return 1
			}
			fmt.Fprintln(stdout, "no broadcast ack (relayer offline?)")
			return 0
		case ev := <-sub:
			ack, ok := ev.(events.AckRecorded)
			if !ok || ack.TxRef != txRef {
				continue
			}
			switch ack.Kind {
			case proto.PayloadTypeReceiptAck:
				gotReceipt = true
				if !ack.Success {
					fmt.Fprintf(stderr, "relayer rejected tx: %s\n", ack.Error)
					return 1
				}
				fmt.Fprintln(stdout, "receipt: accepted")
			case proto.PayloadTypeBroadcastAck:
				if ack.Success {
					fmt.Fprintln(stdout, "broadcast: confirmed")
				} else {
					fmt.Fprintf(stdout, "broadcast failed: %s\n", ack.Error)
				}
				return 0
			}
		}
	}
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayer := fs.String("relayer", "", "relayer addr (host:port)")
	address := fs.String("address", "", "account to query (default: own)")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *relayer == "" {
		fmt.Fprintln(stderr, "missing --relayer")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	runner, err := ephemeralRunner(ctx, *relayer)
	if err != nil {
		fmt.Fprintf(stderr, "start node: %v\n", err)
		return 1
	}
	if _, err := waitForRelayer(ctx, runner); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	addr := *address
	if addr == "" {
		addr = runner.Self.Address().Hex()
	}
	req := proto.BalanceRequest{
		Type:    proto.PayloadTypeBalanceReq,
		Address: addr,
		ReqID:   fmt.Sprintf("bal-%d", time.Now().UnixNano()),
	}
	if _, err := runner.SendToRelayer(ctx, req, nil); err != nil {
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return 1
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(stderr, "no balance response before timeout")
			return 1
		case <-ticker.C:
			rec, err := runner.Store.GetBalance(context.Background(), addr)
			if err != nil {
				continue
			}
			fmt.Fprintf(stdout, "address: %s\n", rec.Address)
			fmt.Fprintf(stdout, "balance: %s wei\n", rec.Balance)
			fmt.Fprintf(stdout, "nonce:   %d\n", rec.Nonce)
			fmt.Fprintf(stdout, "block:   %d\n", rec.BlockNumber)
			return 0
		}
	}
}
