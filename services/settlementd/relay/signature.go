package relay

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signature is a 65-byte secp256k1 signature split for contract calls.
type Signature struct {
	R [32]byte
	S [32]byte
	// V is 27 or 28.
	V uint8
}

// ParseSignature decodes r||s||v, accepting v in {0,1,27,28}. High-s
// signatures are rejected.
func ParseSignature(hexSig string) (Signature, error) {
	raw, err := decodeHex(hexSig)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != 65 {
		return Signature{}, fmt.Errorf("%w: expected 65 bytes, got %d", ErrInvalidSignature, len(raw))
	}
	v := raw[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return Signature{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, raw[64])
	}
	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:64])
	if !gethcrypto.ValidateSignatureValues(v, r, s, true) {
		return Signature{}, fmt.Errorf("%w: signature values out of range", ErrInvalidSignature)
	}
	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = v + 27
	return sig, nil
}

// Bytes returns r||s||v with v normalised to 0/1, the form expected by
// crypto.SigToPub.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V - 27
	return out
}

// Hex renders the signature with v in {27,28}.
func (s Signature) Hex() string {
	raw := s.Bytes()
	raw[64] += 27
	return "0x" + common.Bytes2Hex(raw)
}

// RecoverSigner returns the address that produced sig over digest.
func RecoverSigner(digest []byte, sig Signature) (common.Address, error) {
	pub, err := gethcrypto.SigToPub(digest, sig.Bytes())
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}
