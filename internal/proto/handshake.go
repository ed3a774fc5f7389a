package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"meshpay/internal/crypto"
)

const (
	MsgTypeHandshakeInit = "hs_init"
	MsgTypeHandshakeResp = "hs_resp"

	MaxHandshakeMsgSize = 4 << 10

	ChallengeSize = 32
	EphemeralSize = 32
)

type HandshakeInitMsg struct {
	Type         string `json:"type"`
	FromAddr     string `json:"from_addr"`
	Role         uint8  `json:"role"`
	EphemeralPub string `json:"eph_pub"`
	Challenge    string `json:"challenge"`
	Sig          string `json:"sig"`
}

type HandshakeRespMsg struct {
	Type          string `json:"type"`
	FromAddr      string `json:"from_addr"`
	Role          uint8  `json:"role"`
	EphemeralPub  string `json:"eph_pub"`
	OrigChallenge string `json:"orig_challenge"`
	RespChallenge string `json:"resp_challenge"`
	Sig           string `json:"sig"`
}

func EncodeHandshakeInit(m HandshakeInitMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHandshakeInit
	}
	return json.Marshal(m)
}

func DecodeHandshakeInit(data []byte) (HandshakeInitMsg, error) {
	var m HandshakeInitMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HandshakeInitMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHandshakeInit {
		return HandshakeInitMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeHandshakeResp(m HandshakeRespMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHandshakeResp
	}
	return json.Marshal(m)
}

func DecodeHandshakeResp(data []byte) (HandshakeRespMsg, error) {
	var m HandshakeRespMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HandshakeRespMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHandshakeResp {
		return HandshakeRespMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

type InitFields struct {
	FromAddr  crypto.Address
	Role      Role
	EphPub    []byte
	Challenge []byte
	Sig       []byte
}

type RespFields struct {
	FromAddr      crypto.Address
	Role          Role
	EphPub        []byte
	OrigChallenge []byte
	RespChallenge []byte
	Sig           []byte
}

func DecodeInitFields(m HandshakeInitMsg) (InitFields, error) {
	var f InitFields
	addr, err := crypto.ParseAddress(m.FromAddr)
	if err != nil {
		return f, fmt.Errorf("bad from_addr")
	}
	eph, err := hex.DecodeString(m.EphemeralPub)
	if err != nil || len(eph) != EphemeralSize {
		return f, fmt.Errorf("bad eph_pub")
	}
	challenge, err := hex.DecodeString(m.Challenge)
	if err != nil || len(challenge) != ChallengeSize {
		return f, fmt.Errorf("bad challenge")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) != crypto.SignatureSize {
		return f, fmt.Errorf("bad sig")
	}
	f.FromAddr = addr
	f.Role = Role(m.Role)
	f.EphPub = eph
	f.Challenge = challenge
	f.Sig = sig
	return f, nil
}

func DecodeRespFields(m HandshakeRespMsg) (RespFields, error) {
	var f RespFields
	addr, err := crypto.ParseAddress(m.FromAddr)
	if err != nil {
		return f, fmt.Errorf("bad from_addr")
	}
	eph, err := hex.DecodeString(m.EphemeralPub)
	if err != nil || len(eph) != EphemeralSize {
		return f, fmt.Errorf("bad eph_pub")
	}
	orig, err := hex.DecodeString(m.OrigChallenge)
	if err != nil || len(orig) != ChallengeSize {
		return f, fmt.Errorf("bad orig_challenge")
	}
	resp, err := hex.DecodeString(m.RespChallenge)
	if err != nil || len(resp) != ChallengeSize {
		return f, fmt.Errorf("bad resp_challenge")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) != crypto.SignatureSize {
		return f, fmt.Errorf("bad sig")
	}
	f.FromAddr = addr
	f.Role = Role(m.Role)
	f.EphPub = eph
	f.OrigChallenge = orig
	f.RespChallenge = resp
	f.Sig = sig
	return f, nil
}

// InitSigBytes is the material the initiator's static identity signs: its
// ephemeral public key, advertised role and challenge nonce.
func InitSigBytes(ephPub []byte, role Role, challenge []byte) []byte {
	buf := make([]byte, 0, len("meshpay:hs1:v1")+len(ephPub)+1+len(challenge))
	buf = append(buf, []byte("meshpay:hs1:v1")...)
	buf = append(buf, ephPub...)
	buf = append(buf, byte(role))
	buf = append(buf, challenge...)
	return buf
}

func RespSigBytes(ephPub []byte, role Role, origChallenge, respChallenge []byte) []byte {
	buf := make([]byte, 0, len("meshpay:hs2:v1")+len(ephPub)+1+len(origChallenge)+len(respChallenge))
	buf = append(buf, []byte("meshpay:hs2:v1")...)
	buf = append(buf, ephPub...)
	buf = append(buf, byte(role))
	buf = append(buf, origChallenge...)
	buf = append(buf, respChallenge...)
	return buf
}

// HandshakeTranscript binds both halves of the exchange into the key
// derivation context.
func HandshakeTranscript(initEph, initChallenge, respEph, respChallenge []byte) []byte {
	buf := make([]byte, 0, len(initEph)+len(initChallenge)+len(respEph)+len(respChallenge))
	buf = append(buf, initEph...)
	buf = append(buf, initChallenge...)
	buf = append(buf, respEph...)
	buf = append(buf, respChallenge...)
	return crypto.SHA3_256(buf)
}
