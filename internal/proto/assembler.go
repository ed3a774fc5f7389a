package proto

import (
	"errors"
	"fmt"
	"time"
)

var ErrReassembly = errors.New("reassembled bytes are not a valid payload")

// Assembler accumulates the chunks of one in-flight payload for a session.
// Chunks may arrive out of order and duplicated; a payload is complete once
// sequences 0..max are contiguous with FIRST on 0 and LAST on max.
type Assembler struct {
	sessionID uint32
	chunks    map[uint16]Chunk
	sawLast   bool
	lastSeq   uint16
	createdAt time.Time
}

func NewAssembler(sessionID uint32) *Assembler {
	return &Assembler{
		sessionID: sessionID,
		chunks:    make(map[uint16]Chunk),
		createdAt: time.Now(),
	}
}

func (a *Assembler) SessionID() uint32 {
	return a.sessionID
}

func (a *Assembler) CreatedAt() time.Time {
	return a.createdAt
}

// Add stores a chunk. Session mismatches, ack frames and duplicate sequences
// are silently ignored and report false.
func (a *Assembler) Add(c Chunk) bool {
	if c.SessionID != a.sessionID || c.IsAck() {
		return false
	}
	if _, dup := a.chunks[c.Sequence]; dup {
		return false
	}
	a.chunks[c.Sequence] = c
	if c.IsLast() {
		a.sawLast = true
		a.lastSeq = c.Sequence
	}
	return true
}

func (a *Assembler) Received() int {
	return len(a.chunks)
}

// Expected reports the total chunk count, which is only knowable once the
// LAST-flagged chunk has arrived.
func (a *Assembler) Expected() (int, bool) {
	if !a.sawLast {
		return 0, false
	}
	return int(a.lastSeq) + 1, true
}

func (a *Assembler) Complete() bool {
	if !a.sawLast {
		return false
	}
	if len(a.chunks) != int(a.lastSeq)+1 {
		return false
	}
	first, ok := a.chunks[0]
	if !ok || !first.IsFirst() {
		return false
	}
	for seq := uint16(0); seq < a.lastSeq; seq++ {
		if _, ok := a.chunks[seq]; !ok {
			return false
		}
	}
	return true
}

func (a *Assembler) Bytes() ([]byte, error) {
	if !a.Complete() {
		return nil, errors.New("assembler incomplete")
	}
	size := 0
	for _, c := range a.chunks {
		size += len(c.Data)
	}
	out := make([]byte, 0, size)
	for seq := uint16(0); ; seq++ {
		out = append(out, a.chunks[seq].Data...)
		if seq == a.lastSeq {
			break
		}
	}
	return out, nil
}

func (a *Assembler) Payload() (Payload, error) {
	raw, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	p, err := DecodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReassembly, err)
	}
	return p, nil
}
