package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelKDFMaster = "meshpay:kdf:v1"
	labelEncKey    = "meshpay:enc:v1"
	labelMACKey    = "meshpay:mac:v1"
	labelNonceBase = "meshpay:nonce:v1"
	labelSessionID = "meshpay:sid:v1"
)

type SessionKeys struct {
	Master    []byte
	EncKey    []byte
	MACKey    []byte
	NonceBase []byte
	SessionID uint32
}

// DeriveSessionKeys expands the ECDH shared secret into the symmetric session
// material. Both sides feed the same transcript, so the derived keys and the
// session id come out identical without a third handshake message.
func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	master := KDF(labelKDFMaster, ss, transcript)
	enc := KDF(labelEncKey, master)
	mac := KDF(labelMACKey, master)
	nonceBase := KDF(labelNonceBase, master)[:XNonceSize]
	sid := binary.LittleEndian.Uint32(KDF(labelSessionID, master)[:4])
	return SessionKeys{
		Master:    master,
		EncKey:    enc,
		MACKey:    mac,
		NonceBase: nonceBase,
		SessionID: sid,
	}, nil
}

// NonceFromBase mixes a monotonically increasing counter into the tail of the
// base nonce. Counters never repeat within a session, so nonces never repeat.
func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
