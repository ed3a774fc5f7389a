package proto

import "testing"

func FuzzParseChunk(f *testing.F) {
	raw, _ := EncodeChunk(Chunk{SessionID: 1, Sequence: 0, Flags: FlagSingle, Data: []byte("seed")})
	f.Add(raw)
	f.Add(make([]byte, ChunkHeaderSize))
	f.Fuzz(func(t *testing.T, data []byte) {
		c, err := ParseChunk(data)
		if err != nil {
			return
		}
		reencoded, err := EncodeChunk(c)
		if err != nil {
			t.Fatalf("re-encode of parsed chunk failed: %v", err)
		}
		back, err := ParseChunk(reencoded)
		if err != nil {
			t.Fatalf("re-parse failed: %v", err)
		}
		if back.SessionID != c.SessionID || back.Sequence != c.Sequence || back.Flags != c.Flags {
			t.Fatalf("round trip header mismatch")
		}
	})
}

func FuzzDecodePayload(f *testing.F) {
	f.Add([]byte(`{"type":"tx","from":"0xaa","value":"1"}`))
	f.Add([]byte(`{"type":"balance_req","address":"0xbb","req_id":"r"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := DecodePayload(data)
		if err != nil {
			return
		}
		if _, err := EncodePayload(p); err != nil {
			t.Fatalf("re-encode of decoded payload failed: %v", err)
		}
	})
}

func FuzzDecodeAdvert(f *testing.F) {
	f.Add([]byte{0x06, 0xde, 0xad, 0xbe, 0xef})
	f.Fuzz(func(t *testing.T, data []byte) {
		a, err := DecodeAdvert(data)
		if err != nil {
			return
		}
		back, err := DecodeAdvert(EncodeAdvert(a))
		if err != nil || back != a {
			t.Fatalf("advert round trip mismatch")
		}
	})
}
