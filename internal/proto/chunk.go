package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Chunk wire format, little-endian header followed by raw data:
//
//	sessionID uint32 | sequence uint16 | flags uint8 | checksum uint16 | data
//
// The transfer unit is fixed; chunks are never larger than TransferUnit bytes.
const (
	ChunkHeaderSize = 9
	TransferUnit    = 240
	MaxChunkData    = TransferUnit - ChunkHeaderSize // 231
)

const (
	FlagFirst uint8 = 0x01
	FlagLast  uint8 = 0x02
	FlagAck   uint8 = 0x04

	FlagSingle = FlagFirst | FlagLast
)

var (
	ErrChunkTooShort    = errors.New("chunk shorter than header")
	ErrChunkTooLarge    = errors.New("chunk data exceeds transfer unit")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
)

type Chunk struct {
	SessionID uint32
	Sequence  uint16
	Flags     uint8
	Data      []byte
}

func (c Chunk) IsAck() bool {
	return c.Flags&FlagAck != 0
}

func (c Chunk) IsFirst() bool {
	return c.Flags&FlagFirst != 0
}

func (c Chunk) IsLast() bool {
	return c.Flags&FlagLast != 0
}

func EncodeChunk(c Chunk) ([]byte, error) {
	if len(c.Data) > MaxChunkData {
		return nil, ErrChunkTooLarge
	}
	out := make([]byte, ChunkHeaderSize+len(c.Data))
	binary.LittleEndian.PutUint32(out[0:4], c.SessionID)
	binary.LittleEndian.PutUint16(out[4:6], c.Sequence)
	out[6] = c.Flags
	binary.LittleEndian.PutUint16(out[7:9], Checksum(c.Data))
	copy(out[ChunkHeaderSize:], c.Data)
	return out, nil
}

// ParseChunk validates the header and recomputes the data checksum. A frame
// with a bad checksum is rejected here and dropped by the caller; the sender
// retries it after the ack timeout.
func ParseChunk(data []byte) (Chunk, error) {
	if len(data) < ChunkHeaderSize {
		return Chunk{}, ErrChunkTooShort
	}
	if len(data) > TransferUnit {
		return Chunk{}, ErrChunkTooLarge
	}
	c := Chunk{
		SessionID: binary.LittleEndian.Uint32(data[0:4]),
		Sequence:  binary.LittleEndian.Uint16(data[4:6]),
		Flags:     data[6],
	}
	sum := binary.LittleEndian.Uint16(data[7:9])
	body := data[ChunkHeaderSize:]
	if Checksum(body) != sum {
		return Chunk{}, ErrChecksumMismatch
	}
	c.Data = make([]byte, len(body))
	copy(c.Data, body)
	return c, nil
}

// Split cuts an encoded payload into chunks. A payload that fits the transfer
// unit yields a single FIRST|LAST chunk; otherwise chunk 0 carries FIRST, the
// final chunk carries LAST and middles carry neither.
func Split(sessionID uint32, payload []byte) ([]Chunk, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(payload) <= MaxChunkData {
		data := make([]byte, len(payload))
		copy(data, payload)
		return []Chunk{{SessionID: sessionID, Sequence: 0, Flags: FlagSingle, Data: data}}, nil
	}
	n := (len(payload) + MaxChunkData - 1) / MaxChunkData
	if n > int(^uint16(0))+1 {
		return nil, fmt.Errorf("payload needs %d chunks, sequence space exhausted", n)
	}
	out := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * MaxChunkData
		end := start + MaxChunkData
		if end > len(payload) {
			end = len(payload)
		}
		data := make([]byte, end-start)
		copy(data, payload[start:end])
		var flags uint8
		if i == 0 {
			flags |= FlagFirst
		}
		if i == n-1 {
			flags |= FlagLast
		}
		out = append(out, Chunk{SessionID: sessionID, Sequence: uint16(i), Flags: flags, Data: data})
	}
	return out, nil
}

// AckChunk builds the header-only acknowledgement for a received sequence.
func AckChunk(sessionID uint32, sequence uint16) Chunk {
	return Chunk{SessionID: sessionID, Sequence: sequence, Flags: FlagAck}
}

// Checksum is CRC-16/CCITT-FALSE over the data portion.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
