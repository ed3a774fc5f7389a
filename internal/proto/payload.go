package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"meshpay/internal/crypto"
)

const (
	PayloadTypeTx           = "tx"
	PayloadTypeReceiptAck   = "receipt_ack"
	PayloadTypeBroadcastAck = "broadcast_ack"
	PayloadTypeBalanceReq   = "balance_req"
	PayloadTypeBalanceResp  = "balance_resp"

	MaxPayloadSize = 64 << 10
)

var ErrUnknownPayload = errors.New("unknown payload type")

type Payload interface {
	PayloadType() string
}

type SignedTransaction struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"` // decimal wei string
	GasLimit  uint64 `json:"gas_limit"`
	GasPrice  string `json:"gas_price"`
	Nonce     int64  `json:"nonce"`
	ChainID   int64  `json:"chain_id"`
	Data      string `json:"data,omitempty"` // hex
	Signature string `json:"sig"`            // hex, 65 bytes compact
	Timestamp int64  `json:"ts"`
}

func (SignedTransaction) PayloadType() string { return PayloadTypeTx }

type ReceiptAck struct {
	Type      string `json:"type"`
	TxRef     string `json:"tx_ref"` // hex digest of the acked transaction
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	From      string `json:"from"`
	Signature string `json:"sig"`
	Timestamp int64  `json:"ts"`
}

func (ReceiptAck) PayloadType() string { return PayloadTypeReceiptAck }

type BroadcastAck struct {
	Type        string `json:"type"`
	TxRef       string `json:"tx_ref"`
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber int64  `json:"block_number,omitempty"`
	Error       string `json:"error,omitempty"`
	From        string `json:"from"`
	Signature   string `json:"sig"`
	Timestamp   int64  `json:"ts"`
}

func (BroadcastAck) PayloadType() string { return PayloadTypeBroadcastAck }

type BalanceRequest struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	ReqID   string `json:"req_id"`
}

func (BalanceRequest) PayloadType() string { return PayloadTypeBalanceReq }

type BalanceResponse struct {
	Type        string `json:"type"`
	Address     string `json:"address"`
	Balance     string `json:"balance"` // decimal wei string
	Nonce       uint64 `json:"nonce"`
	BlockNumber int64  `json:"block_number"`
	ReqID       string `json:"req_id"`
	Relayer     string `json:"relayer"`
	Signature   string `json:"sig"`
}

func (BalanceResponse) PayloadType() string { return PayloadTypeBalanceResp }

func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	switch m := p.(type) {
	case SignedTransaction:
		m.Type = PayloadTypeTx
		return json.Marshal(m)
	case ReceiptAck:
		m.Type = PayloadTypeReceiptAck
		return json.Marshal(m)
	case BroadcastAck:
		m.Type = PayloadTypeBroadcastAck
		return json.Marshal(m)
	case BalanceRequest:
		m.Type = PayloadTypeBalanceReq
		return json.Marshal(m)
	case BalanceResponse:
		m.Type = PayloadTypeBalanceResp
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
}

func DecodePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(data) > MaxPayloadSize {
		return nil, errors.New("payload too large")
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, err
	}
	switch hdr.Type {
	case PayloadTypeTx:
		var m SignedTransaction
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case PayloadTypeReceiptAck:
		var m ReceiptAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case PayloadTypeBroadcastAck:
		var m BroadcastAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case PayloadTypeBalanceReq:
		var m BalanceRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case PayloadTypeBalanceResp:
		var m BalanceResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, hdr.Type)
	}
}

// -----------------------------------------------------------------------------
// Signature inputs. Signing covers a labelled digest of the stable fields,
// never the JSON encoding itself.
// -----------------------------------------------------------------------------

func TxSigBytes(tx SignedTransaction) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, []byte("meshpay:tx:v1")...)
	buf = appendField(buf, tx.From)
	buf = appendField(buf, tx.To)
	buf = appendField(buf, tx.Value)
	buf = appendUint64(buf, tx.GasLimit)
	buf = appendField(buf, tx.GasPrice)
	buf = appendInt64(buf, tx.Nonce)
	buf = appendInt64(buf, tx.ChainID)
	buf = appendField(buf, tx.Data)
	return buf
}

func TxDigest(tx SignedTransaction) []byte {
	return crypto.SHA3_256(TxSigBytes(tx))
}

// TxRef is the stable reference both sides use to correlate acknowledgements
// with the transaction they answer.
func TxRef(tx SignedTransaction) string {
	return hex.EncodeToString(TxDigest(tx))
}

func AckSigBytes(kind, txRef string, success bool, errMsg string) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, []byte("meshpay:ack:v1")...)
	buf = appendField(buf, kind)
	buf = appendField(buf, txRef)
	if success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendField(buf, errMsg)
	return buf
}

func AckDigest(kind, txRef string, success bool, errMsg string) []byte {
	return crypto.SHA3_256(AckSigBytes(kind, txRef, success, errMsg))
}

func BalanceRespSigBytes(r BalanceResponse) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, []byte("meshpay:bal:v1")...)
	buf = appendField(buf, r.Address)
	buf = appendField(buf, r.Balance)
	buf = appendUint64(buf, r.Nonce)
	buf = appendInt64(buf, r.BlockNumber)
	buf = appendField(buf, r.ReqID)
	return buf
}

func BalanceRespDigest(r BalanceResponse) []byte {
	return crypto.SHA3_256(BalanceRespSigBytes(r))
}

func appendField(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}
