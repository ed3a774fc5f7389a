package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Handshake   HandshakeMetrics `json:"handshake"`
	Transfer    TransferMetrics  `json:"transfer"`
	Relay       RelayMetrics     `json:"relay"`
}

type HandshakeMetrics struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
}

type TransferMetrics struct {
	ChunksSent         uint64 `json:"chunks_sent"`
	ChunkRetries       uint64 `json:"chunk_retries"`
	AcksReceived       uint64 `json:"acks_received"`
	ChecksumDrops      uint64 `json:"checksum_drops"`
	DuplicateDrops     uint64 `json:"duplicate_drops"`
	PayloadsAssembled  uint64 `json:"payloads_assembled"`
	ReassemblyFailures uint64 `json:"reassembly_failures"`
	SendFailures       uint64 `json:"send_failures"`
}

type RelayMetrics struct {
	TxValidated       uint64 `json:"tx_validated"`
	TxRejected        uint64 `json:"tx_rejected"`
	Broadcasts        uint64 `json:"broadcasts"`
	BroadcastFailures uint64 `json:"broadcast_failures"`
	BalancesServed    uint64 `json:"balances_served"`
}

type Metrics struct {
	hsStarted   atomic.Uint64
	hsCompleted atomic.Uint64
	hsFailed    atomic.Uint64
	hsTimedOut  atomic.Uint64

	chunksSent         atomic.Uint64
	chunkRetries       atomic.Uint64
	acksReceived       atomic.Uint64
	checksumDrops      atomic.Uint64
	duplicateDrops     atomic.Uint64
	payloadsAssembled  atomic.Uint64
	reassemblyFailures atomic.Uint64
	sendFailures       atomic.Uint64

	txValidated       atomic.Uint64
	txRejected        atomic.Uint64
	broadcasts        atomic.Uint64
	broadcastFailures atomic.Uint64
	balancesServed    atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncHandshakeStarted()    { m.hsStarted.Add(1) }
func (m *Metrics) IncHandshakeCompleted()  { m.hsCompleted.Add(1) }
func (m *Metrics) IncHandshakeFailed()     { m.hsFailed.Add(1) }
func (m *Metrics) IncHandshakeTimedOut()   { m.hsTimedOut.Add(1) }
func (m *Metrics) IncChunksSent()          { m.chunksSent.Add(1) }
func (m *Metrics) IncChunkRetries()        { m.chunkRetries.Add(1) }
func (m *Metrics) IncAcksReceived()        { m.acksReceived.Add(1) }
func (m *Metrics) IncChecksumDrops()       { m.checksumDrops.Add(1) }
func (m *Metrics) IncDuplicateDrops()      { m.duplicateDrops.Add(1) }
func (m *Metrics) IncPayloadsAssembled()   { m.payloadsAssembled.Add(1) }
func (m *Metrics) IncReassemblyFailures()  { m.reassemblyFailures.Add(1) }
func (m *Metrics) IncSendFailures()        { m.sendFailures.Add(1) }
func (m *Metrics) IncTxValidated()         { m.txValidated.Add(1) }
func (m *Metrics) IncTxRejected()          { m.txRejected.Add(1) }
func (m *Metrics) IncBroadcasts()          { m.broadcasts.Add(1) }
func (m *Metrics) IncBroadcastFailures()   { m.broadcastFailures.Add(1) }
func (m *Metrics) IncBalancesServed()      { m.balancesServed.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now()}
	}
	return Snapshot{
		GeneratedAt: time.Now(),
		Handshake: HandshakeMetrics{
			Started:   m.hsStarted.Load(),
			Completed: m.hsCompleted.Load(),
			Failed:    m.hsFailed.Load(),
			TimedOut:  m.hsTimedOut.Load(),
		},
		Transfer: TransferMetrics{
			ChunksSent:         m.chunksSent.Load(),
			ChunkRetries:       m.chunkRetries.Load(),
			AcksReceived:       m.acksReceived.Load(),
			ChecksumDrops:      m.checksumDrops.Load(),
			DuplicateDrops:     m.duplicateDrops.Load(),
			PayloadsAssembled:  m.payloadsAssembled.Load(),
			ReassemblyFailures: m.reassemblyFailures.Load(),
			SendFailures:       m.sendFailures.Load(),
		},
		Relay: RelayMetrics{
			TxValidated:       m.txValidated.Load(),
			TxRejected:        m.txRejected.Load(),
			Broadcasts:        m.broadcasts.Load(),
			BroadcastFailures: m.broadcastFailures.Load(),
			BalancesServed:    m.balancesServed.Load(),
		},
	}
}

// WriteSnapshot writes the snapshot atomically via rename so readers never
// observe a partial file.
func (m *Metrics) WriteSnapshot(path string) error {
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
