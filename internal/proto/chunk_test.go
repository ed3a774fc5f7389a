package proto

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestChunkRoundTrip(t *testing.T) {
	c := Chunk{SessionID: 0xDEADBEEF, Sequence: 7, Flags: FlagFirst, Data: []byte("hello")}
	raw, err := EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := ParseChunk(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.SessionID != c.SessionID || got.Sequence != c.Sequence || got.Flags != c.Flags {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Data, c.Data) {
		t.Fatalf("data mismatch")
	}
}

func TestParseChunkRejectsShort(t *testing.T) {
	if _, err := ParseChunk(make([]byte, ChunkHeaderSize-1)); !errors.Is(err, ErrChunkTooShort) {
		t.Fatalf("want ErrChunkTooShort, got %v", err)
	}
}

func TestParseChunkRejectsCorruption(t *testing.T) {
	c := Chunk{SessionID: 42, Sequence: 0, Flags: FlagSingle, Data: []byte("integrity matters")}
	raw, err := EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	for i := ChunkHeaderSize; i < len(raw); i++ {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01
		if _, err := ParseChunk(mutated); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("byte %d: want ErrChecksumMismatch, got %v", i, err)
		}
	}
}

func TestSplitSingleChunk(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, MaxChunkData)
	chunks, err := Split(9, payload)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Flags != FlagSingle {
		t.Fatalf("want FIRST|LAST flags, got %#x", chunks[0].Flags)
	}
}

func TestSplitFlags(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, MaxChunkData*3+10)
	chunks, err := Split(1, payload)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("want 4 chunks, got %d", len(chunks))
	}
	if !chunks[0].IsFirst() || chunks[0].IsLast() {
		t.Fatalf("chunk 0 flags wrong: %#x", chunks[0].Flags)
	}
	for i := 1; i < 3; i++ {
		if chunks[i].Flags != 0 {
			t.Fatalf("middle chunk %d flags wrong: %#x", i, chunks[i].Flags)
		}
	}
	last := chunks[3]
	if !last.IsLast() || last.IsFirst() {
		t.Fatalf("last chunk flags wrong: %#x", last.Flags)
	}
	if len(last.Data) != 10 {
		t.Fatalf("last chunk size wrong: %d", len(last.Data))
	}
}

func TestAssemblerInOrder(t *testing.T) {
	payload, err := EncodePayload(BalanceRequest{Address: "0x0011223344556677889900112233445566778899", ReqID: "r1"})
	if err != nil {
		t.Fatalf("encode payload failed: %v", err)
	}
	chunks, err := Split(5, payload)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	a := NewAssembler(5)
	for _, c := range chunks {
		if !a.Add(c) {
			t.Fatalf("add rejected chunk %d", c.Sequence)
		}
	}
	if !a.Complete() {
		t.Fatalf("assembler not complete")
	}
	got, err := a.Bytes()
	if err != nil {
		t.Fatalf("bytes failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled bytes mismatch")
	}
}

func TestAssemblerShuffledWithDuplicates(t *testing.T) {
	payload := make([]byte, MaxChunkData*5+17)
	rnd := rand.New(rand.NewSource(1))
	rnd.Read(payload)
	chunks, err := Split(77, payload)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	// Deliver shuffled, each chunk twice.
	delivery := append(append([]Chunk{}, chunks...), chunks...)
	rnd.Shuffle(len(delivery), func(i, j int) {
		delivery[i], delivery[j] = delivery[j], delivery[i]
	})
	a := NewAssembler(77)
	added := 0
	for _, c := range delivery {
		if a.Add(c) {
			added++
		}
	}
	if added != len(chunks) {
		t.Fatalf("want %d unique adds, got %d", len(chunks), added)
	}
	if !a.Complete() {
		t.Fatalf("assembler not complete")
	}
	got, err := a.Bytes()
	if err != nil {
		t.Fatalf("bytes failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled bytes mismatch")
	}
}

func TestAssemblerRejectsWrongSession(t *testing.T) {
	a := NewAssembler(1)
	if a.Add(Chunk{SessionID: 2, Sequence: 0, Flags: FlagSingle}) {
		t.Fatalf("accepted chunk for wrong session")
	}
	if a.Add(AckChunk(1, 0)) {
		t.Fatalf("accepted ack frame as data")
	}
}

func TestAssemblerIncompleteUntilLast(t *testing.T) {
	payload := bytes.Repeat([]byte{0x02}, MaxChunkData*2+1)
	chunks, err := Split(3, payload)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	a := NewAssembler(3)
	a.Add(chunks[0])
	a.Add(chunks[1])
	if _, known := a.Expected(); known {
		t.Fatalf("expected count known before LAST arrived")
	}
	if a.Complete() {
		t.Fatalf("complete without LAST chunk")
	}
	a.Add(chunks[2])
	if n, known := a.Expected(); !known || n != 3 {
		t.Fatalf("expected 3 known chunks, got %d %v", n, known)
	}
	if !a.Complete() {
		t.Fatalf("assembler should be complete")
	}
}

func TestAssemblerPayloadReassemblyError(t *testing.T) {
	junk := bytes.Repeat([]byte{0xFF}, MaxChunkData+4)
	chunks, err := Split(8, junk)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	a := NewAssembler(8)
	for _, c := range chunks {
		a.Add(c)
	}
	if _, err := a.Payload(); !errors.Is(err, ErrReassembly) {
		t.Fatalf("want ErrReassembly, got %v", err)
	}
}
