package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"meshpay/internal/crypto"
	"meshpay/internal/debuglog"
	"meshpay/internal/events"
	"meshpay/internal/metrics"
	"meshpay/internal/node"
	"meshpay/internal/proto"
	"meshpay/internal/transfer"
)

const MinGasLimit = 21000

var ErrBadSignature = errors.New("payload signature does not match sender")

// BroadcastResult is the chain-side outcome of relaying a transaction.
type BroadcastResult struct {
	Success     bool
	TxHash      string
	BlockNumber int64
	Error       string
}

// BalanceSnapshot is a point-in-time account view served to offline peers.
type BalanceSnapshot struct {
	Address     string
	Balance     string // decimal wei
	Nonce       uint64
	BlockNumber int64
}

// Broadcaster is the chain gateway an online node relays through.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, tx proto.SignedTransaction) (BroadcastResult, error)
	GetBalance(ctx context.Context, address string) (BalanceSnapshot, error)
}

// Store persists relayed artifacts. All methods are best-effort from the
// protocol's point of view; a storage error never fails the exchange.
type Store interface {
	SaveAck(ctx context.Context, txRef, kind string, success bool, errMsg, peerAddr string) error
	SaveTransaction(ctx context.Context, txRef, payload, status string) error
	UpsertBalance(ctx context.Context, address, balance string, nonce uint64, blockNumber int64) error
}

type Options struct {
	Signer      node.Signer
	Roles       *node.RoleController
	Broadcaster Broadcaster
	Store       Store
	Metrics     *metrics.Metrics
	Bus         *events.Bus
	ChainIDs    []int64 // accepted chain ids; empty means mainnet only
	Now         func() time.Time
}

// Handler dispatches reassembled payloads: transaction intake and relay,
// acknowledgement bookkeeping, balance serving and verification.
type Handler struct {
	signer      node.Signer
	roles       *node.RoleController
	broadcaster Broadcaster
	store       Store
	metrics     *metrics.Metrics
	bus         *events.Bus
	chainIDs    map[int64]bool
	now         func() time.Time
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Signer == nil {
		return nil, errors.New("nil signer")
	}
	if opts.Roles == nil {
		return nil, errors.New("nil role controller")
	}
	h := &Handler{
		signer:      opts.Signer,
		roles:       opts.Roles,
		broadcaster: opts.Broadcaster,
		store:       opts.Store,
		metrics:     opts.Metrics,
		bus:         opts.Bus,
		chainIDs:    make(map[int64]bool),
		now:         opts.Now,
	}
	if len(opts.ChainIDs) == 0 {
		h.chainIDs[1] = true
	}
	for _, id := range opts.ChainIDs {
		h.chainIDs[id] = true
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

func (h *Handler) HandlePayload(ctx context.Context, sess *node.Session, p proto.Payload, r transfer.Replier) error {
	switch v := p.(type) {
	case proto.SignedTransaction:
		return h.handleTx(ctx, sess, v, r)
	case proto.ReceiptAck:
		return h.handleAck(ctx, sess, v.TxRef, proto.PayloadTypeReceiptAck, v.Success, v.Error, v.From, v.Signature)
	case proto.BroadcastAck:
		return h.handleAck(ctx, sess, v.TxRef, proto.PayloadTypeBroadcastAck, v.Success, v.Error, v.From, v.Signature)
	case proto.BalanceRequest:
		return h.handleBalanceReq(ctx, sess, v, r)
	case proto.BalanceResponse:
		return h.handleBalanceResp(ctx, sess, v)
	default:
		return fmt.Errorf("%w: %T", proto.ErrUnknownPayload, p)
	}
}

// -----------------------------------------------------------------------------
// Transaction intake
// -----------------------------------------------------------------------------

// ValidateTx returns "" when the transaction is acceptable, otherwise the
// rejection reason sent back in the receipt.
func (h *Handler) ValidateTx(tx proto.SignedTransaction) string {
	from, err := crypto.ParseAddress(tx.From)
	if err != nil {
		return "malformed sender address"
	}
	sig, err := hex.DecodeString(tx.Signature)
	if err != nil || len(sig) != crypto.SignatureSize {
		return "malformed signature"
	}
	recovered, err := crypto.RecoverAddress(proto.TxDigest(tx), sig)
	if err != nil || recovered != from {
		return "sender mismatch"
	}
	if tx.GasLimit < MinGasLimit {
		return fmt.Sprintf("gas limit below minimum %d", MinGasLimit)
	}
	if tx.Nonce < 0 {
		return "negative nonce"
	}
	if !h.chainIDs[tx.ChainID] {
		return fmt.Sprintf("unsupported chain id %d", tx.ChainID)
	}
	value, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok || value.Sign() < 0 {
		return "invalid value"
	}
	return ""
}

func (h *Handler) handleTx(ctx context.Context, sess *node.Session, tx proto.SignedTransaction, r transfer.Replier) error {
	txRef := proto.TxRef(tx)
	reason := h.ValidateTx(tx)
	valid := reason == ""
	if valid {
		h.metrics.IncTxValidated()
	} else {
		h.metrics.IncTxRejected()
		debuglog.Logf("rejecting tx %s from %s: %s", txRef, sess.PeerAddr.Hex(), reason)
	}

	// The receipt always goes back, success or not.
	receipt, err := h.signedReceipt(txRef, valid, reason)
	if err != nil {
		return err
	}
	if err := r.Reply(ctx, receipt); err != nil {
		return fmt.Errorf("receipt reply: %w", err)
	}

	if h.store != nil {
		status := "rejected"
		if valid {
			status = "accepted"
		}
		raw, _ := proto.EncodePayload(tx)
		if err := h.store.SaveTransaction(ctx, txRef, string(raw), status); err != nil {
			debuglog.Logf("save tx %s: %v", txRef, err)
		}
	}
	if !valid || !h.roles.Online() || h.broadcaster == nil {
		return nil
	}
	return h.broadcastAndAck(ctx, txRef, tx, r)
}

func (h *Handler) broadcastAndAck(ctx context.Context, txRef string, tx proto.SignedTransaction, r transfer.Replier) error {
	result, err := h.broadcaster.BroadcastTransaction(ctx, tx)
	if err != nil {
		result = BroadcastResult{Success: false, Error: err.Error()}
	}
	if result.Success {
		h.metrics.IncBroadcasts()
	} else {
		h.metrics.IncBroadcastFailures()
	}
	if h.store != nil {
		status := "broadcast_failed"
		if result.Success {
			status = "broadcast"
		}
		raw, _ := proto.EncodePayload(tx)
		if err := h.store.SaveTransaction(ctx, txRef, string(raw), status); err != nil {
			debuglog.Logf("save tx %s: %v", txRef, err)
		}
	}

	ack := proto.BroadcastAck{
		Type:        proto.PayloadTypeBroadcastAck,
		TxRef:       txRef,
		Success:     result.Success,
		TxHash:      result.TxHash,
		BlockNumber: result.BlockNumber,
		Error:       result.Error,
		From:        h.signer.Address().Hex(),
		Timestamp:   h.now().Unix(),
	}
	sig, err := h.signer.SignDigest(proto.AckDigest(ack.Type, ack.TxRef, ack.Success, ack.Error))
	if err != nil {
		return err
	}
	ack.Signature = hex.EncodeToString(sig)
	if err := r.Reply(ctx, ack); err != nil {
		return fmt.Errorf("broadcast ack reply: %w", err)
	}
	return nil
}

func (h *Handler) signedReceipt(txRef string, success bool, errMsg string) (proto.ReceiptAck, error) {
	receipt := proto.ReceiptAck{
		Type:      proto.PayloadTypeReceiptAck,
		TxRef:     txRef,
		Success:   success,
		Error:     errMsg,
		From:      h.signer.Address().Hex(),
		Timestamp: h.now().Unix(),
	}
	sig, err := h.signer.SignDigest(proto.AckDigest(receipt.Type, receipt.TxRef, receipt.Success, receipt.Error))
	if err != nil {
		return proto.ReceiptAck{}, err
	}
	receipt.Signature = hex.EncodeToString(sig)
	return receipt, nil
}

// -----------------------------------------------------------------------------
// Acknowledgements
// -----------------------------------------------------------------------------

func (h *Handler) handleAck(ctx context.Context, sess *node.Session, txRef, kind string, success bool, errMsg, from, sigHex string) error {
	if err := verifyFromSig(proto.AckDigest(kind, txRef, success, errMsg), from, sigHex); err != nil {
		return fmt.Errorf("%s for %s: %w", kind, txRef, err)
	}
	if h.store != nil {
		if err := h.store.SaveAck(ctx, txRef, kind, success, errMsg, sess.PeerAddr.Hex()); err != nil {
			debuglog.Logf("save %s for %s: %v", kind, txRef, err)
		}
	}
	if h.bus != nil {
		h.bus.Publish(events.AckRecorded{TxRef: txRef, Kind: kind, Success: success, Error: errMsg})
	}
	return nil
}

// -----------------------------------------------------------------------------
// Balances
// -----------------------------------------------------------------------------

func (h *Handler) handleBalanceReq(ctx context.Context, sess *node.Session, req proto.BalanceRequest, r transfer.Replier) error {
	if !h.roles.Online() || h.broadcaster == nil {
		debuglog.Debugf("ignoring balance request from %s while offline", sess.PeerAddr.Hex())
		return nil
	}
	snap, err := h.broadcaster.GetBalance(ctx, req.Address)
	if err != nil {
		return fmt.Errorf("balance lookup for %s: %w", req.Address, err)
	}
	resp := proto.BalanceResponse{
		Type:        proto.PayloadTypeBalanceResp,
		Address:     snap.Address,
		Balance:     snap.Balance,
		Nonce:       snap.Nonce,
		BlockNumber: snap.BlockNumber,
		ReqID:       req.ReqID,
		Relayer:     h.signer.Address().Hex(),
	}
	sig, err := h.signer.SignDigest(proto.BalanceRespDigest(resp))
	if err != nil {
		return err
	}
	resp.Signature = hex.EncodeToString(sig)
	h.metrics.IncBalancesServed()
	return r.Reply(ctx, resp)
}

// handleBalanceResp accepts a balance only when its signature recovers to
// the authenticated address of the session it arrived on.
func (h *Handler) handleBalanceResp(ctx context.Context, sess *node.Session, resp proto.BalanceResponse) error {
	sig, err := hex.DecodeString(resp.Signature)
	if err != nil || len(sig) != crypto.SignatureSize {
		return fmt.Errorf("balance response: %w", ErrBadSignature)
	}
	recovered, err := crypto.RecoverAddress(proto.BalanceRespDigest(resp), sig)
	if err != nil || recovered != sess.PeerAddr {
		return fmt.Errorf("balance response from %s: %w", sess.PeerAddr.Hex(), ErrBadSignature)
	}
	if h.store != nil {
		if err := h.store.UpsertBalance(ctx, resp.Address, resp.Balance, resp.Nonce, resp.BlockNumber); err != nil {
			debuglog.Logf("save balance for %s: %v", resp.Address, err)
		}
	}
	return nil
}

func verifyFromSig(digest []byte, from, sigHex string) error {
	addr, err := crypto.ParseAddress(from)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != crypto.SignatureSize {
		return ErrBadSignature
	}
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil || recovered != addr {
		return ErrBadSignature
	}
	return nil
}
