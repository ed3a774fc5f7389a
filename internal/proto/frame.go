package proto

// Every frame on an established connection starts with a kind byte so
// handshake traffic and chunk traffic never need content sniffing.
const (
	FrameHandshake byte = 0x01
	FrameChunk     byte = 0x02
)

// WrapFrame prefixes the kind byte.
func WrapFrame(kind byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = kind
	copy(out[1:], payload)
	return out
}
