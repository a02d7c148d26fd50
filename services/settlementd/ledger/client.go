// Package ledger talks to the account-based ledger that holds the stablecoin
// and the deposit-receipt token. Writes block until the operation is confirmed
// or reported failed.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoSigner indicates the facilitator key is not configured.
	ErrNoSigner = errors.New("ledger: facilitator signer not configured")
	// ErrConfirmationTimeout indicates a broadcast transaction was not
	// confirmed in time. The hash returned alongside it may still land.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timed out")
	// ErrReverted indicates the transaction was mined with a failure status.
	ErrReverted = errors.New("ledger: transaction reverted")
)

// Authorization is the EIP-3009 payload submitted on behalf of a signer.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	V           uint8
	R           [32]byte
	S           [32]byte
}

// ReceiptState is the observed outcome of a previously broadcast transaction.
type ReceiptState int

// Receipt states.
const (
	ReceiptUnknown ReceiptState = iota
	ReceiptSucceeded
	ReceiptFailed
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptSucceeded:
		return "succeeded"
	case ReceiptFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Client captures the ledger operations settlementd relies on.
//
// Write methods return the zero hash when nothing was broadcast. When a hash
// is returned with an error, the transaction was broadcast and its fate is
// given by the error: ErrReverted or ErrConfirmationTimeout.
type Client interface {
	ChainID() uint64
	// Facilitator is the fee-paying account, or the zero address when no
	// signer is configured.
	Facilitator() common.Address
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TransferWithAuthorization(ctx context.Context, token common.Address, auth Authorization) (common.Hash, error)
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) (common.Hash, error)
	ReceiptStatus(ctx context.Context, txHash common.Hash) (ReceiptState, error)
}

// Registry resolves the client for a chain.
type Registry struct {
	clients map[uint64]Client
}

// NewRegistry indexes clients by their chain id.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[uint64]Client, len(clients))}
	for _, c := range clients {
		if c != nil {
			r.clients[c.ChainID()] = c
		}
	}
	return r
}

// Get returns the client for chainID.
func (r *Registry) Get(chainID uint64) (Client, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.clients[chainID]
	return c, ok
}

// Chains lists configured chain ids in ascending order.
func (r *Registry) Chains() []uint64 {
	if r == nil {
		return nil
	}
	out := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
