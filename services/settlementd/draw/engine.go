// Package draw runs the weekly prize-linked savings draw: it measures each
// participant's newly accrued yield, turns pledged yield into tickets, sweeps
// the pledges, pays a weighted-random winner and writes the yield checkpoints
// back.
package draw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mbarbosa30/x4llet-sub002/observability"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

// Store is the persistence used by the engine.
type Store interface {
	ListEligibleParticipants(ctx context.Context) ([]models.ParticipantSettings, error)
	GetSnapshot(ctx context.Context, address string) (*models.YieldSnapshot, error)
	EnsureSnapshot(ctx context.Context, snap models.YieldSnapshot) (*models.YieldSnapshot, error)
	ReferrerIndex(ctx context.Context) (map[string]string, error)
	GetDraw(ctx context.Context, week, year int) (*models.Draw, error)
	SponsoredTotal(ctx context.Context, week, year int) (*big.Int, error)
	CollectionsForDraw(ctx context.Context, drawID uuid.UUID) ([]models.Collection, error)
	RecordCollection(ctx context.Context, row *models.Collection) error
	GetPayout(ctx context.Context, drawID uuid.UUID) (*models.Payout, error)
	SavePayout(ctx context.Context, row *models.Payout) error
	CompleteDraw(ctx context.Context, c store.DrawCompletion) error
}

// Engine executes draws against one ledger and pool token. The pool token is
// the deposit-receipt token: yield is measured, collected and paid in it.
// Executions on one engine are serialized.
type Engine struct {
	mu          sync.Mutex
	store       Store
	ledger      ledger.Client
	token       common.Address
	concurrency int
	random      io.Reader
	metrics     *observability.SettlementMetrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithConcurrency bounds the parallel collection sweep. Values below one are
// ignored.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.concurrency = n
		}
	}
}

// WithRandom overrides the random source used for winner selection.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.random = r }
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an engine.
func NewEngine(st Store, client ledger.Client, token common.Address, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		ledger:      client,
		token:       token,
		concurrency: 1,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChainID reports the chain the engine settles on.
func (e *Engine) ChainID() uint64 {
	return e.ledger.ChainID()
}

// Execute runs preparation, allocation and settlement for period. A call that
// waited on a concurrent execution of the same draw sees it completed and
// returns the draw_completed no-op.
func (e *Engine) Execute(ctx context.Context, period Period) (*Result, error) {
	e.mu.Lock()
	res, err := e.execute(ctx, period)
	e.mu.Unlock()
	outcome := Outcome(res, err)
	e.metrics.RecordDraw(outcome)

	logger := e.logger.With(slog.Int("week", period.Week), slog.Int("year", period.Year))
	switch {
	case err != nil:
		logger.Error("draw execution failed", slog.String("reason", outcome), slog.Any("error", err))
	case res.Executed:
		e.metrics.RecordPrize(res.Prize.Big())
		logger.Info("draw completed",
			slog.String("draw_id", res.DrawID),
			slog.String("winner", res.Winner),
			slog.String("prize", res.Prize.String()),
			slog.String("tickets", res.TotalTickets.String()))
	default:
		logger.Info("draw skipped", slog.String("reason", res.Reason))
	}
	return res, err
}

func (e *Engine) execute(ctx context.Context, period Period) (*Result, error) {
	result := &Result{Week: period.Week, Year: period.Year}
	if e.ledger.Facilitator() == (common.Address{}) {
		return result.noop(ReasonNoSigner), nil
	}

	d, err := e.store.GetDraw(ctx, period.Week, period.Year)
	if errors.Is(err, store.ErrNotFound) {
		return result.noop(ReasonDrawNotFound), nil
	}
	if err != nil {
		return result, fmt.Errorf("draw: load draw: %w", err)
	}
	result.DrawID = d.ID.String()
	if d.Status == models.DrawCompleted {
		return result.noop(ReasonDrawCompleted), nil
	}

	payout, err := e.store.GetPayout(ctx, d.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		payout = nil
	case err != nil:
		return result, fmt.Errorf("draw: load payout: %w", err)
	}

	paid := false
	if payout != nil && payout.TxHash != nil {
		paid, err = e.verifyRecordedPayout(ctx, payout)
		if err != nil {
			return result, err
		}
	}

	prep, err := e.Prepare(ctx, period, d.ID)
	if err != nil {
		return result, err
	}
	result.Eligible = prep.Eligible
	result.Participants = len(prep.Participants)
	result.Pledged = models.NewAmount(prep.Pledged())

	var sel Selection
	if payout != nil {
		sel = Selection{
			Winner:        common.HexToAddress(payout.WinnerAddress),
			WinnerTickets: payout.WinnerTickets.Big(),
			WinningNumber: payout.WinningNumber.Big(),
			TotalTickets:  payout.TotalTickets.Big(),
		}
	} else {
		if prep.Eligible == 0 {
			return result.noop(ReasonNoParticipants), nil
		}
		referrers, err := e.store.ReferrerIndex(ctx)
		if err != nil {
			return result, fmt.Errorf("draw: load referrals: %w", err)
		}
		alloc := Allocate(prep.Participants, referrers)
		if alloc.Total.Sign() == 0 {
			return result.noop(ReasonZeroTickets), nil
		}
		sel, err = alloc.Select(e.random)
		if err != nil {
			return result, err
		}
		payout = &models.Payout{
			DrawID:        d.ID,
			WinnerAddress: sel.Winner.Hex(),
			WinnerTickets: models.NewAmount(sel.WinnerTickets),
			WinningNumber: models.NewAmount(sel.WinningNumber),
			TotalTickets:  models.NewAmount(sel.TotalTickets),
			Status:        models.PayoutSelected,
		}
		if err := e.store.SavePayout(ctx, payout); err != nil {
			return result, fmt.Errorf("draw: record selection: %w", err)
		}
	}
	result.Winner = sel.Winner.Hex()
	result.WinnerTickets = models.NewAmount(sel.WinnerTickets)
	result.WinningNumber = models.NewAmount(sel.WinningNumber)
	result.TotalTickets = models.NewAmount(sel.TotalTickets)

	prior, err := e.collectedFor(ctx, d.ID)
	if err != nil {
		return result, err
	}
	var collections []CollectionResult
	if paid {
		collections = carriedCollections(prior)
	} else {
		collections = e.sweep(ctx, d.ID, prep.Participants, prior)
		collections = append(collections, departedCollections(prep.Participants, prior)...)
	}
	result.Collections = collections
	collected := collectedTotal(collections)
	result.Collected = models.NewAmount(collected)

	if paid {
		result.Prize = payout.Amount
	} else {
		sponsored, err := e.store.SponsoredTotal(ctx, period.Week, period.Year)
		if err != nil {
			return result, fmt.Errorf("draw: load sponsorships: %w", err)
		}
		result.Sponsored = models.NewAmount(sponsored)
		prize := new(big.Int).Add(collected, sponsored)
		result.Prize = models.NewAmount(prize)
		if err := e.pay(ctx, payout, sel.Winner, prize); err != nil {
			return result, err
		}
	}
	if payout.TxHash != nil {
		result.PayoutTxHash = *payout.TxHash
	}

	err = e.store.CompleteDraw(ctx, store.DrawCompletion{
		DrawID:        d.ID,
		Winner:        sel.Winner.Hex(),
		WinnerTickets: sel.WinnerTickets,
		WinningNumber: sel.WinningNumber,
		TotalPool:     result.Prize.Big(),
		TotalTickets:  sel.TotalTickets,
		Snapshots:     e.checkpoints(period, prep.Participants, collections, prior),
	})
	if errors.Is(err, store.ErrConflict) {
		return result.noop(ReasonDrawCompleted), nil
	}
	if err != nil {
		return result, fmt.Errorf("draw: complete draw: %w", err)
	}
	result.Executed = true
	return result, nil
}

// verifyRecordedPayout checks a previously broadcast payout. It reports true
// when the transfer landed, resets the record when it reverted, and returns
// ErrPayoutUnconfirmed while the receipt is unknown.
func (e *Engine) verifyRecordedPayout(ctx context.Context, payout *models.Payout) (bool, error) {
	hash := common.HexToHash(*payout.TxHash)
	state, err := e.ledger.ReceiptStatus(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("%w: check %s: %v", ErrPayoutUnconfirmed, hash.Hex(), err)
	}
	switch state {
	case ledger.ReceiptSucceeded:
		return true, nil
	case ledger.ReceiptFailed:
		e.logger.Warn("recorded payout reverted, retrying transfer", slog.String("tx_hash", hash.Hex()))
		payout.TxHash = nil
		payout.Status = models.PayoutSelected
		if err := e.store.SavePayout(ctx, payout); err != nil {
			return false, fmt.Errorf("draw: reset payout: %w", err)
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrPayoutUnconfirmed, hash.Hex())
	}
}

// pay transfers prize to the winner and records the attempt. A zero prize
// completes without a transfer.
func (e *Engine) pay(ctx context.Context, payout *models.Payout, winner common.Address, prize *big.Int) error {
	payout.Amount = models.NewAmount(prize)
	if prize.Sign() == 0 {
		return nil
	}
	hash, err := e.ledger.Transfer(ctx, e.token, winner, prize)
	if err != nil {
		if hash == (common.Hash{}) || errors.Is(err, ledger.ErrReverted) {
			payout.TxHash = nil
			payout.Status = models.PayoutSelected
			if saveErr := e.store.SavePayout(ctx, payout); saveErr != nil {
				e.logger.Error("record failed payout", slog.Any("error", saveErr))
			}
			return fmt.Errorf("%w: %v", ErrPayoutFailed, err)
		}
		h := hash.Hex()
		payout.TxHash = &h
		payout.Status = models.PayoutSubmitted
		if saveErr := e.store.SavePayout(ctx, payout); saveErr != nil {
			e.logger.Error("record unconfirmed payout", slog.String("tx_hash", h), slog.Any("error", saveErr))
		}
		return fmt.Errorf("%w: %s: %v", ErrPayoutUnconfirmed, h, err)
	}
	h := hash.Hex()
	payout.TxHash = &h
	payout.Status = models.PayoutSubmitted
	if err := e.store.SavePayout(ctx, payout); err != nil {
		return fmt.Errorf("draw: record payout %s: %w", h, err)
	}
	return nil
}

// checkpoints builds the yield snapshots written when the draw completes.
// Every measured participant is checkpointed whether or not the sweep
// succeeded; a successful collection also lowers the deposit baseline by the
// collected amount since it left the receipt balance.
func (e *Engine) checkpoints(period Period, participants []Participant, collections []CollectionResult, prior map[string]models.Collection) []models.YieldSnapshot {
	now := e.now().UTC()
	swept := make(map[string]*big.Int, len(collections))
	for _, c := range collections {
		if c.Status == CollectionCollected {
			swept[c.Address] = c.Amount.Big()
		}
	}
	for addr, row := range prior {
		if _, ok := swept[addr]; !ok && row.Status == models.CollectionCollected {
			swept[addr] = row.Amount.Big()
		}
	}

	out := make([]models.YieldSnapshot, 0, len(participants))
	measured := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		addr := lower(p.Address)
		net := new(big.Int).Set(p.NetDeposits)
		lastCollected := p.snapshot.LastCollectedAt
		if amount, ok := swept[addr]; ok {
			net.Sub(net, amount)
			if net.Sign() < 0 {
				net.SetInt64(0)
			}
			lastCollected = &now
		}
		out = append(out, models.YieldSnapshot{
			WalletAddress:      addr,
			NetDeposits:        models.NewAmount(net),
			LastReceiptBalance: models.NewAmount(p.ReceiptBalance),
			SnapshotYield:      models.NewAmount(p.TotalAccrued),
			IsFirstWeek:        false,
			WeekNumber:         period.Week,
			Year:               period.Year,
			LastCollectedAt:    lastCollected,
			CreatedAt:          p.snapshot.CreatedAt,
		})
		measured[addr] = struct{}{}
	}

	// Wallets collected by an earlier attempt but no longer measured are
	// checkpointed from the measurement stored with their collection.
	addrs := make([]string, 0, len(prior))
	for addr := range prior {
		if _, ok := measured[addr]; !ok {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		row := prior[addr]
		if row.ReceiptBalance.IsZero() {
			e.logger.Warn("collection has no stored measurement, checkpoint skipped", slog.String("participant", addr))
			continue
		}
		net := new(big.Int).Sub(row.NetDeposits.Big(), row.Amount.Big())
		if net.Sign() < 0 {
			net.SetInt64(0)
		}
		collectedAt := row.CreatedAt.UTC()
		out = append(out, models.YieldSnapshot{
			WalletAddress:      addr,
			NetDeposits:        models.NewAmount(net),
			LastReceiptBalance: row.ReceiptBalance,
			SnapshotYield:      row.TotalAccrued,
			IsFirstWeek:        false,
			WeekNumber:         period.Week,
			Year:               period.Year,
			LastCollectedAt:    &collectedAt,
		})
	}
	return out
}
