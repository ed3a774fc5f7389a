package proto

import "errors"

// Advertisement metadata: 1 byte role bitmask followed by 4 bytes of
// truncated address.
const AdvertSize = 5

type Advert struct {
	Roles         Role
	TruncatedAddr [4]byte
}

func EncodeAdvert(a Advert) []byte {
	out := make([]byte, AdvertSize)
	out[0] = byte(a.Roles)
	copy(out[1:], a.TruncatedAddr[:])
	return out
}

func DecodeAdvert(data []byte) (Advert, error) {
	if len(data) < AdvertSize {
		return Advert{}, errors.New("advertisement too short")
	}
	a := Advert{Roles: Role(data[0])}
	copy(a.TruncatedAddr[:], data[1:AdvertSize])
	return a, nil
}
