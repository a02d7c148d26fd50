package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
)

// PrimaryType is the EIP-712 struct name of an EIP-3009 transfer.
const PrimaryType = "TransferWithAuthorization"

var authorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// Uint is a uint256 that decodes from a JSON number, a decimal string or a
// 0x-prefixed hex string.
type Uint struct {
	v *big.Int
}

// NewUint wraps v.
func NewUint(v *big.Int) Uint {
	if v == nil {
		return Uint{}
	}
	return Uint{v: new(big.Int).Set(v)}
}

// UintFrom wraps a machine integer.
func UintFrom(v uint64) Uint {
	return Uint{v: new(big.Int).SetUint64(v)}
}

// Big returns a copy of the value; an unset Uint is zero.
func (u Uint) Big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(u.v)
}

// IsSet reports whether a value was decoded.
func (u Uint) IsSet() bool {
	return u.v != nil
}

func (u Uint) String() string {
	return u.Big().String()
}

// MarshalJSON renders the value as a decimal string.
func (u Uint) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Uint) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		u.v = nil
		return nil
	}
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
	}
	v, err := ParseUint(text)
	if err != nil {
		return err
	}
	u.v = v
	return nil
}

// ParseUint parses a decimal or 0x-hex integer and rejects values that do not
// fit in 256 bits.
func ParseUint(text string) (*big.Int, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, fmt.Errorf("%w: empty integer", ErrMalformed)
	}
	var (
		v  *big.Int
		ok bool
	)
	if has0xPrefix(s) {
		v, ok = new(big.Int).SetString(s[2:], 16)
	} else {
		v, ok = new(big.Int).SetString(s, 10)
	}
	if !ok || s[0] == '-' || s[0] == '+' {
		return nil, fmt.Errorf("%w: invalid integer %q", ErrMalformed, text)
	}
	if _, overflow := uint256.FromBig(v); overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: integer %q exceeds uint256", ErrMalformed, text)
	}
	return v, nil
}

// Domain is the EIP-712 domain of the token contract.
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           Uint   `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// Message is the TransferWithAuthorization struct.
type Message struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       Uint   `json:"value"`
	ValidAfter  Uint   `json:"validAfter"`
	ValidBefore Uint   `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignedAuthorization is the transportable unit accepted by the relay.
type SignedAuthorization struct {
	Domain    Domain  `json:"domain"`
	Message   Message `json:"message"`
	Signature string  `json:"signature"`
}

// TypedData is the wallet-facing EIP-712 envelope. Only the domain and message
// are trusted; the struct schema is fixed.
type TypedData struct {
	Types       json.RawMessage `json:"types,omitempty"`
	PrimaryType string          `json:"primaryType,omitempty"`
	Domain      Domain          `json:"domain"`
	Message     Message         `json:"message"`
}

// TypedDataHash returns the EIP-712 digest signed by the authorizer.
func TypedDataHash(domain Domain, msg Message) ([]byte, error) {
	chainID := domain.ChainID.Big()
	typed := apitypes.TypedData{
		Types:       authorizationTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        msg.From,
			"to":          msg.To,
			"value":       msg.Value.String(),
			"validAfter":  msg.ValidAfter.String(),
			"validBefore": msg.ValidBefore.String(),
			"nonce":       msg.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("%w: typed data: %v", ErrMalformed, err)
	}
	return hash, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !has0xPrefix(s) {
		s = "0x" + s
	}
	return hexutil.Decode("0x" + s[2:])
}
