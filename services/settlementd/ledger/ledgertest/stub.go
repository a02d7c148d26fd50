// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
)

// ErrInsufficientAllowance is returned by TransferFrom when the spender
// allowance does not cover the amount.
var ErrInsufficientAllowance = errors.New("ledgertest: insufficient allowance")

// ErrInsufficientBalance is returned when the source balance is too low.
var ErrInsufficientBalance = errors.New("ledgertest: insufficient balance")

// Call records one write submitted to the stub.
type Call struct {
	Method string
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
	Hash   common.Hash
}

// Ledger is a single-chain in-memory token ledger. Writes move balances and
// honour allowances; failures can be scripted per method or per source.
type Ledger struct {
	mu          sync.Mutex
	chainID     uint64
	facilitator common.Address
	balances    map[string]*big.Int
	allowances  map[string]*big.Int
	native      map[common.Address]*big.Int
	receipts    map[common.Hash]ledger.ReceiptState
	calls       []Call
	seq         uint64

	// FailTransferFrom scripts a failure for a source address.
	FailTransferFrom map[common.Address]error
	// FailTransfer makes the next Transfer calls fail. When
	// TransferBroadcasts is set the failure carries a hash and the transfer
	// is left unconfirmed.
	FailTransfer       error
	TransferBroadcasts bool
	// FailAuthorization makes TransferWithAuthorization fail. When
	// AuthorizationBroadcasts is set the transfer still moves funds but its
	// confirmation times out with the receipt left unknown.
	FailAuthorization       error
	AuthorizationBroadcasts bool
	// Delay is slept before each write.
	Delay time.Duration
}

// New builds a stub for chainID with the given facilitator. A zero
// facilitator simulates a missing signer.
func New(chainID uint64, facilitator common.Address) *Ledger {
	return &Ledger{
		chainID:          chainID,
		facilitator:      facilitator,
		balances:         map[string]*big.Int{},
		allowances:       map[string]*big.Int{},
		native:           map[common.Address]*big.Int{},
		receipts:         map[common.Hash]ledger.ReceiptState{},
		FailTransferFrom: map[common.Address]error{},
	}
}

func balanceKey(token, owner common.Address) string {
	return strings.ToLower(token.Hex() + "|" + owner.Hex())
}

func allowanceKey(token, owner, spender common.Address) string {
	return strings.ToLower(token.Hex() + "|" + owner.Hex() + "|" + spender.Hex())
}

// SetBalance sets a token balance.
func (l *Ledger) SetBalance(token, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey(token, owner)] = new(big.Int).Set(amount)
}

// SetAllowance sets a spender allowance.
func (l *Ledger) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey(token, owner, spender)] = new(big.Int).Set(amount)
}

// SetNative sets a native balance.
func (l *Ledger) SetNative(account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[account] = new(big.Int).Set(amount)
}

// SetReceipt scripts the receipt state of a hash.
func (l *Ledger) SetReceipt(hash common.Hash, state ledger.ReceiptState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts[hash] = state
}

// Balance returns a token balance.
func (l *Ledger) Balance(token, owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(token, owner)
}

// Calls returns the writes recorded so far.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// CallsTo counts the writes of one method.
func (l *Ledger) CallsTo(method string) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ChainID implements ledger.Client.
func (l *Ledger) ChainID() uint64 { return l.chainID }

// Facilitator implements ledger.Client.
func (l *Ledger) Facilitator() common.Address { return l.facilitator }

// TokenBalance implements ledger.Client.
func (l *Ledger) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	return l.Balance(token, owner), nil
}

// Allowance implements ledger.Client.
func (l *Ledger) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.allowances[allowanceKey(token, owner, spender)]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// NativeBalance implements ledger.Client.
func (l *Ledger) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.native[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// TransferWithAuthorization implements ledger.Client.
func (l *Ledger) TransferWithAuthorization(_ context.Context, token common.Address, auth ledger.Authorization) (common.Hash, error) {
	l.sleep()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailAuthorization != nil && !l.AuthorizationBroadcasts {
		return common.Hash{}, l.FailAuthorization
	}
	if err := l.moveLocked(token, auth.From, auth.To, auth.Value); err != nil {
		return common.Hash{}, err
	}
	hash := l.recordLocked("transferWithAuthorization", token, auth.From, auth.To, auth.Value)
	if l.FailAuthorization != nil {
		l.receipts[hash] = ledger.ReceiptUnknown
		return hash, fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, l.FailAuthorization)
	}
	return hash, nil
}

// Transfer implements ledger.Client.
func (l *Ledger) Transfer(_ context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	l.sleep()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.facilitator == (common.Address{}) {
		return common.Hash{}, ledger.ErrNoSigner
	}
	if l.FailTransfer != nil {
		if !l.TransferBroadcasts {
			return common.Hash{}, l.FailTransfer
		}
		hash := l.recordLocked("transfer", token, l.facilitator, to, amount)
		l.receipts[hash] = ledger.ReceiptUnknown
		return hash, fmt.Errorf("%w: %v", ledger.ErrConfirmationTimeout, l.FailTransfer)
	}
	if err := l.moveLocked(token, l.facilitator, to, amount); err != nil {
		return common.Hash{}, err
	}
	return l.recordLocked("transfer", token, l.facilitator, to, amount), nil
}

// TransferFrom implements ledger.Client.
func (l *Ledger) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) (common.Hash, error) {
	l.sleep()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.facilitator == (common.Address{}) {
		return common.Hash{}, ledger.ErrNoSigner
	}
	if err, ok := l.FailTransferFrom[from]; ok && err != nil {
		return common.Hash{}, err
	}
	key := allowanceKey(token, from, l.facilitator)
	allowance, ok := l.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		return common.Hash{}, ErrInsufficientAllowance
	}
	if err := l.moveLocked(token, from, to, amount); err != nil {
		return common.Hash{}, err
	}
	l.allowances[key] = new(big.Int).Sub(allowance, amount)
	return l.recordLocked("transferFrom", token, from, to, amount), nil
}

// ReceiptStatus implements ledger.Client.
func (l *Ledger) ReceiptStatus(_ context.Context, hash common.Hash) (ledger.ReceiptState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receipts[hash], nil
}

func (l *Ledger) sleep() {
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
}

func (l *Ledger) balanceLocked(token, owner common.Address) *big.Int {
	if v, ok := l.balances[balanceKey(token, owner)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *Ledger) moveLocked(token, from, to common.Address, amount *big.Int) error {
	src := l.balanceLocked(token, from)
	if src.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.balances[balanceKey(token, from)] = src.Sub(src, amount)
	dst := l.balanceLocked(token, to)
	l.balances[balanceKey(token, to)] = dst.Add(dst, amount)
	return nil
}

func (l *Ledger) recordLocked(method string, token, from, to common.Address, amount *big.Int) common.Hash {
	l.seq++
	hash := common.BytesToHash(gethcrypto.Keccak256([]byte(fmt.Sprintf("%d:%s", l.seq, method))))
	l.calls = append(l.calls, Call{Method: method, Token: token, From: from, To: to, Amount: new(big.Int).Set(amount), Hash: hash})
	l.receipts[hash] = ledger.ReceiptSucceeded
	return hash
}

var _ ledger.Client = (*Ledger)(nil)
