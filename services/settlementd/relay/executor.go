package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbarbosa30/x4llet-sub002/observability"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

// StatusSubmitted is reported for every executed authorization.
const StatusSubmitted = "submitted"

// Store is the persistence the executor needs.
type Store interface {
	AuthorizationReader
	SavePendingAuthorization(ctx context.Context, auth *models.Authorization) error
	RecordAttemptHash(ctx context.Context, nonce string, chainID uint64, txHash string) error
	ClearAttemptHash(ctx context.Context, nonce string, chainID uint64) error
	MarkAuthorizationUsed(ctx context.Context, nonce string, chainID uint64, txHash string, records []models.TransactionRecord) error
}

// LedgerResolver returns the ledger client of a chain.
type LedgerResolver interface {
	Get(chainID uint64) (ledger.Client, bool)
}

// Receipt is the response to an executed authorization.
type Receipt struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
}

// Executor verifies and executes signed authorizations exactly once.
type Executor struct {
	verifier *Verifier
	store    Store
	ledgers  LedgerResolver
	locks    *keyedMutex
	metrics  *observability.SettlementMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises the executor.
type Option func(*Executor)

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the clock used for latency and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor wires the verifier, store and ledgers.
func NewExecutor(verifier *Verifier, st Store, ledgers LedgerResolver, opts ...Option) *Executor {
	e := &Executor{
		verifier: verifier,
		store:    st,
		ledgers:  ledgers,
		locks:    newKeyedMutex(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verifier exposes the underlying verifier.
func (e *Executor) Verifier() *Verifier {
	return e.verifier
}

// Execute validates auth and submits it through the facilitator. Validation
// failures leave no state behind. A ledger failure leaves the authorization
// pending so the same payload can be retried.
func (e *Executor) Execute(ctx context.Context, auth SignedAuthorization) (*Receipt, error) {
	start := e.now()
	receipt, chainID, err := e.execute(ctx, auth)
	var latency time.Duration
	if err == nil {
		latency = e.now().Sub(start)
	}
	e.metrics.RecordRelay(chainID, Outcome(err), latency)
	return receipt, err
}

func (e *Executor) execute(ctx context.Context, auth SignedAuthorization) (*Receipt, uint64, error) {
	parsed, err := e.verifier.Parse(auth)
	if err != nil {
		return nil, 0, err
	}
	chainID := parsed.ChainID
	nonce := parsed.NonceHex()

	unlock := e.locks.Lock(nonce + ":" + strconv.FormatUint(chainID, 10))
	defer unlock()

	client, ok := e.ledgers.Get(chainID)
	if !ok {
		return nil, chainID, fmt.Errorf("%w: no ledger for chain %d", ErrUnsupportedChain, chainID)
	}
	logger := e.logger.With(slog.Uint64("chain_id", chainID), slog.String("nonce", nonce))

	// A broadcast from an earlier attempt is settled from its receipt before
	// anything is resent.
	receipt, err := e.reconcile(ctx, client, nonce, chainID, logger)
	if err != nil || receipt != nil {
		return receipt, chainID, err
	}

	verified, err := e.verifier.Verify(ctx, auth)
	if err != nil {
		return nil, chainID, err
	}

	record := &models.Authorization{
		ChainID:     chainID,
		Nonce:       nonce,
		Token:       verified.Token.Hex(),
		FromAddress: verified.From.Hex(),
		ToAddress:   verified.To.Hex(),
		Value:       models.NewAmount(verified.Value),
		ValidAfter:  models.NewAmount(verified.ValidAfter),
		ValidBefore: models.NewAmount(verified.ValidBefore),
		Signature:   verified.Signature.Hex(),
	}
	if err := e.store.SavePendingAuthorization(ctx, record); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, chainID, ErrAlreadyUsed
		}
		return nil, chainID, fmt.Errorf("relay: persist authorization: %w", err)
	}

	hash, err := client.TransferWithAuthorization(ctx, verified.Token, verified.LedgerAuthorization())
	if err != nil {
		if hash != (common.Hash{}) {
			if recErr := e.store.RecordAttemptHash(ctx, nonce, chainID, hash.Hex()); recErr != nil {
				logger.Error("record relay attempt hash", slog.Any("error", recErr))
			}
		}
		logger.Warn("relay submission failed", slog.String("tx_hash", hashString(hash)), slog.Any("error", err))
		return nil, chainID, fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	records := historyRecords(record, hash.Hex(), e.now().UTC())
	if err := e.store.MarkAuthorizationUsed(ctx, nonce, chainID, hash.Hex(), records); err != nil {
		// The transfer landed; only the bookkeeping is missing.
		logger.Error("mark authorization used", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		return nil, chainID, fmt.Errorf("relay: record execution: %w", err)
	}
	logger.Info("relay executed", slog.String("tx_hash", hash.Hex()))
	return &Receipt{TxHash: hash.Hex(), Status: StatusSubmitted}, chainID, nil
}

// reconcile settles a pending authorization that already carries the hash of
// an earlier broadcast. It returns the receipt when that transfer landed,
// nil after clearing a reverted attempt, and ErrUnconfirmed while the receipt
// is unknown.
func (e *Executor) reconcile(ctx context.Context, client ledger.Client, nonce string, chainID uint64, logger *slog.Logger) (*Receipt, error) {
	existing, err := e.store.GetAuthorization(ctx, nonce, chainID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relay: load authorization: %w", err)
	}
	if existing.Status != models.AuthorizationPending || existing.TxHash == nil || *existing.TxHash == "" {
		return nil, nil
	}

	hash := common.HexToHash(*existing.TxHash)
	state, err := client.ReceiptStatus(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: check %s: %v", ErrUnconfirmed, hash.Hex(), err)
	}
	switch state {
	case ledger.ReceiptSucceeded:
		records := historyRecords(existing, hash.Hex(), e.now().UTC())
		if err := e.store.MarkAuthorizationUsed(ctx, nonce, chainID, hash.Hex(), records); err != nil {
			return nil, fmt.Errorf("relay: record execution: %w", err)
		}
		logger.Info("relay reconciled", slog.String("tx_hash", hash.Hex()))
		return &Receipt{TxHash: hash.Hex(), Status: StatusSubmitted}, nil
	case ledger.ReceiptFailed:
		logger.Warn("recorded relay attempt reverted, resending", slog.String("tx_hash", hash.Hex()))
		if err := e.store.ClearAttemptHash(ctx, nonce, chainID); err != nil {
			return nil, fmt.Errorf("relay: clear attempt hash: %w", err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, hash.Hex())
	}
}

// historyRecords builds the debit and credit rows of an executed transfer.
func historyRecords(auth *models.Authorization, txHash string, now time.Time) []models.TransactionRecord {
	return []models.TransactionRecord{
		{
			ChainID:      auth.ChainID,
			Address:      auth.FromAddress,
			Counterparty: auth.ToAddress,
			Direction:    models.DirectionDebit,
			Token:        auth.Token,
			Amount:       auth.Value,
			TxHash:       txHash,
			Nonce:        auth.Nonce,
			CreatedAt:    now,
		},
		{
			ChainID:      auth.ChainID,
			Address:      auth.ToAddress,
			Counterparty: auth.FromAddress,
			Direction:    models.DirectionCredit,
			Token:        auth.Token,
			Amount:       auth.Value,
			TxHash:       txHash,
			Nonce:        auth.Nonce,
			CreatedAt:    now,
		},
	}
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
