package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	AddressSize   = 20
	SignatureSize = 65 // compact: recovery header + r + s
)

type Address [AddressSize]byte

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Truncated returns the first four address bytes, the form carried in
// advertisement metadata.
func (a Address) Truncated() [4]byte {
	var t [4]byte
	copy(t[:], a[:4])
	return t
}

func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != AddressSize {
		return a, errors.New("bad address")
	}
	copy(a[:], b)
	return a, nil
}

// Identity is the static secp256k1 signing key that roots a device's
// on-chain identity. Signatures are compact with a recovery id, so a
// verifier recovers the signer address rather than being handed it.
type Identity struct {
	priv *secp256k1.PrivateKey
	addr Address
}

func GenerateIdentity() (*Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return identityFromPriv(priv), nil
}

func IdentityFromBytes(b []byte) (*Identity, error) {
	if len(b) != 32 {
		return nil, errors.New("bad private key size")
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, errors.New("zero private key")
	}
	return identityFromPriv(priv), nil
}

func identityFromPriv(priv *secp256k1.PrivateKey) *Identity {
	return &Identity{priv: priv, addr: pubToAddress(priv.PubKey())}
}

func (id *Identity) Address() Address {
	return id.addr
}

func (id *Identity) Bytes() []byte {
	return id.priv.Serialize()
}

func (id *Identity) String() string {
	return "Identity{" + id.addr.Hex() + "}"
}

func (id *Identity) GoString() string {
	return "crypto.Identity{REDACTED}"
}

// SignDigest produces a 65-byte recoverable signature over a 32-byte digest.
func (id *Identity) SignDigest(digest []byte) ([]byte, error) {
	if id == nil || id.priv == nil {
		return nil, errors.New("no signing key")
	}
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	return secpecdsa.SignCompact(id.priv, digest, false), nil
}

// RecoverAddress returns the address of whoever signed digest. An invalid
// signature yields an error, never a zero address plus nil.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(digest) != 32 {
		return Address{}, errors.New("bad digest size")
	}
	if len(sig) != SignatureSize {
		return Address{}, fmt.Errorf("bad signature size: %d", len(sig))
	}
	pub, _, err := secpecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return Address{}, err
	}
	return pubToAddress(pub), nil
}

func pubToAddress(pub *secp256k1.PublicKey) Address {
	raw := pub.SerializeUncompressed()
	sum := Keccak256(raw[1:]) // drop the 0x04 prefix
	var a Address
	copy(a[:], sum[12:])
	return a
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

const identityFile = "identity.hex"

func SaveIdentity(dir string, id *Identity) error {
	if id == nil {
		return errors.New("empty key")
	}
	return os.WriteFile(filepath.Join(dir, identityFile), []byte(hex.EncodeToString(id.Bytes())), 0600)
}

func LoadIdentity(dir string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(dir, identityFile))
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("bad identity.hex")
	}
	return IdentityFromBytes(b)
}
