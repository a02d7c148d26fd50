package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	noncePattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Token describes the EIP-3009 token accepted on a chain.
type Token struct {
	ChainID uint64
	Address common.Address
	// Name and Version, when set, must match the signed domain.
	Name    string
	Version string
}

// AuthorizationReader is the lookup the verifier needs for replay checks.
type AuthorizationReader interface {
	GetAuthorization(ctx context.Context, nonce string, chainID uint64) (*models.Authorization, error)
}

// Verified is an authorization that passed every local check.
type Verified struct {
	ChainID     uint64
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   Signature
}

// NonceHex is the canonical lower-case form of the nonce.
func (v *Verified) NonceHex() string {
	return "0x" + common.Bytes2Hex(v.Nonce[:])
}

// LedgerAuthorization converts to the ledger call payload.
func (v *Verified) LedgerAuthorization() ledger.Authorization {
	return ledger.Authorization{
		From:        v.From,
		To:          v.To,
		Value:       new(big.Int).Set(v.Value),
		ValidAfter:  new(big.Int).Set(v.ValidAfter),
		ValidBefore: new(big.Int).Set(v.ValidBefore),
		Nonce:       v.Nonce,
		V:           v.Signature.V,
		R:           v.Signature.R,
		S:           v.Signature.S,
	}
}

// Verifier runs the structural, temporal, replay and signature checks in that
// order. It never writes.
type Verifier struct {
	tokens map[uint64]Token
	store  AuthorizationReader
	now    func() time.Time
}

// NewVerifier constructs a verifier for the supplied tokens.
func NewVerifier(reader AuthorizationReader, tokens []Token, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	index := make(map[uint64]Token, len(tokens))
	for _, t := range tokens {
		index[t.ChainID] = t
	}
	return &Verifier{tokens: index, store: reader, now: now}
}

// Supports reports whether chainID has a configured token.
func (v *Verifier) Supports(chainID uint64) bool {
	_, ok := v.tokens[chainID]
	return ok
}

// Parse performs the structural checks only.
func (v *Verifier) Parse(auth SignedAuthorization) (*Verified, error) {
	for _, addr := range []string{auth.Message.From, auth.Message.To, auth.Domain.VerifyingContract} {
		if !addressPattern.MatchString(strings.TrimSpace(addr)) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
	}
	if !auth.Domain.ChainID.IsSet() || !auth.Domain.ChainID.Big().IsUint64() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, auth.Domain.ChainID.String())
	}
	chainID := auth.Domain.ChainID.Big().Uint64()
	token, ok := v.tokens[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	contract := common.HexToAddress(auth.Domain.VerifyingContract)
	if contract != token.Address {
		return nil, fmt.Errorf("%w: %s on chain %d", ErrUnsupportedToken, contract.Hex(), chainID)
	}
	if token.Name != "" && auth.Domain.Name != token.Name {
		return nil, fmt.Errorf("%w: domain name %q", ErrUnsupportedToken, auth.Domain.Name)
	}
	if token.Version != "" && auth.Domain.Version != token.Version {
		return nil, fmt.Errorf("%w: domain version %q", ErrUnsupportedToken, auth.Domain.Version)
	}
	if !auth.Message.Value.IsSet() || !auth.Message.ValidAfter.IsSet() || !auth.Message.ValidBefore.IsSet() {
		return nil, fmt.Errorf("%w: value, validAfter and validBefore are required", ErrMalformed)
	}
	nonce := strings.TrimSpace(auth.Message.Nonce)
	if !noncePattern.MatchString(nonce) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNonce, auth.Message.Nonce)
	}
	sig, err := ParseSignature(auth.Signature)
	if err != nil {
		return nil, err
	}

	out := &Verified{
		ChainID:     chainID,
		Token:       token.Address,
		From:        common.HexToAddress(auth.Message.From),
		To:          common.HexToAddress(auth.Message.To),
		Value:       auth.Message.Value.Big(),
		ValidAfter:  auth.Message.ValidAfter.Big(),
		ValidBefore: auth.Message.ValidBefore.Big(),
		Signature:   sig,
	}
	copy(out.Nonce[:], common.FromHex(nonce))
	return out, nil
}

// Verify runs every check and returns the executable authorization.
func (v *Verifier) Verify(ctx context.Context, auth SignedAuthorization) (*Verified, error) {
	parsed, err := v.Parse(auth)
	if err != nil {
		return nil, err
	}

	now := big.NewInt(v.now().Unix())
	if now.Cmp(parsed.ValidAfter) < 0 {
		return nil, ErrNotYetValid
	}
	if now.Cmp(parsed.ValidBefore) > 0 {
		return nil, ErrExpired
	}

	existing, err := v.store.GetAuthorization(ctx, parsed.NonceHex(), parsed.ChainID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("relay: load authorization: %w", err)
	case existing.Status == models.AuthorizationUsed:
		return nil, ErrAlreadyUsed
	case existing.Status != models.AuthorizationPending:
		return nil, fmt.Errorf("%w: %s", ErrClosed, existing.Status)
	}

	canonical := auth.Message
	canonical.Nonce = parsed.NonceHex()
	canonical.From = parsed.From.Hex()
	canonical.To = parsed.To.Hex()
	domain := auth.Domain
	domain.VerifyingContract = parsed.Token.Hex()
	digest, err := TypedDataHash(domain, canonical)
	if err != nil {
		return nil, err
	}
	signer, err := RecoverSigner(digest, parsed.Signature)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(signer.Hex(), parsed.From.Hex()) {
		return nil, fmt.Errorf("%w: recovered %s", ErrInvalidSignature, signer.Hex())
	}
	return parsed, nil
}
