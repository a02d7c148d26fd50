// Package scheduler drives the weekly draw from a wall-clock cron tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/mbarbosa30/x4llet-sub002/observability"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/draw"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

// DefaultSchedule ticks at the top of every hour.
const DefaultSchedule = "0 * * * *"

// ErrInsufficientGasReserve aborts a draw whose facilitator cannot cover the
// configured native-currency reserve.
var ErrInsufficientGasReserve = errors.New("scheduler: facilitator gas reserve below minimum")

// Tick results reported to metrics.
const (
	ResultIdle             = "idle"
	ResultAlreadyExecuted  = "already_executed"
	ResultNoSigner         = "no_signer"
	ResultLowGas           = "low_gas"
	ResultClaimedElsewhere = "claimed_elsewhere"
	ResultExecuted         = "executed"
	ResultNoop             = "noop"
	ResultError            = "error"
)

// Store is the persistence the scheduler needs.
type Store interface {
	EnsureDraw(ctx context.Context, week, year int, start, end time.Time) (*models.Draw, bool, error)
	ClaimPeriod(ctx context.Context, week, year int, instanceID string) (bool, error)
	ReleaseClaim(ctx context.Context, week, year int, instanceID string) error
}

// Executor runs a period's draw.
type Executor interface {
	Execute(ctx context.Context, period draw.Period) (*draw.Result, error)
}

// GasReader reports the facilitator's native balance.
type GasReader interface {
	ChainID() uint64
	Facilitator() common.Address
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Config configures the scheduler.
type Config struct {
	Store         Store
	Engine        Executor
	Gas           GasReader
	Schedule      string
	Weekday       time.Weekday
	Hour          int
	MinGasReserve *big.Int
	InstanceID    string
	RunOnStart    bool
	Logger        *slog.Logger
	Metrics       *observability.SettlementMetrics
	Now           func() time.Time
}

// Scheduler ensures period records exist and settles the previous period
// once per draw window.
type Scheduler struct {
	store      Store
	engine     Executor
	gas        GasReader
	schedule   string
	weekday    time.Weekday
	hour       int
	reserve    *big.Int
	instanceID string
	runOnStart bool
	logger     *slog.Logger
	metrics    *observability.SettlementMetrics
	now        func() time.Time

	mu      sync.Mutex
	lastKey string
}

// New constructs a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Gas == nil {
		return nil, errors.New("scheduler: store, engine and gas reader are required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("scheduler: parse schedule %q: %w", schedule, err)
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, fmt.Errorf("scheduler: hour %d outside 0..23", cfg.Hour)
	}
	reserve := new(big.Int)
	if cfg.MinGasReserve != nil {
		reserve.Set(cfg.MinGasReserve)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      cfg.Store,
		engine:     cfg.Engine,
		gas:        cfg.Gas,
		schedule:   schedule,
		weekday:    cfg.Weekday,
		hour:       cfg.Hour,
		reserve:    reserve,
		instanceID: cfg.InstanceID,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

// Start runs the cron loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register tick: %w", err)
	}
	c.Start()
	if s.runOnStart {
		go s.tick(ctx)
	}
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.Tick(ctx)
	if err != nil && !errors.Is(err, ErrInsufficientGasReserve) {
		s.logger.Error("scheduler tick failed", slog.String("reason", result), slog.Any("error", err))
	}
}

// Tick performs one scheduling pass and reports its result.
func (s *Scheduler) Tick(ctx context.Context) (string, error) {
	result, err := s.runTick(ctx)
	s.metrics.RecordTick(result)
	return result, err
}

func (s *Scheduler) runTick(ctx context.Context) (string, error) {
	now := s.now().UTC()
	current := draw.PeriodAt(now)
	if err := s.ensure(ctx, current); err != nil {
		return ResultError, err
	}
	if now.Weekday() != s.weekday || now.Hour() != s.hour {
		return ResultIdle, nil
	}

	target := current.Previous()
	logger := s.logger.With(slog.Int("week", target.Week), slog.Int("year", target.Year))
	if err := s.ensure(ctx, target); err != nil {
		return ResultError, err
	}
	if s.executed(target.Key()) {
		return ResultAlreadyExecuted, nil
	}

	facilitator := s.gas.Facilitator()
	if facilitator == (common.Address{}) {
		logger.Warn("draw window reached without a facilitator signer")
		return ResultNoSigner, nil
	}
	balance, err := s.gas.NativeBalance(ctx, facilitator)
	if err != nil {
		return ResultError, fmt.Errorf("scheduler: read gas balance: %w", err)
	}
	s.metrics.RecordGasBalance(s.gas.ChainID(), balance)
	if balance.Cmp(s.reserve) < 0 {
		logger.Error("facilitator gas reserve too low",
			slog.Uint64("chain_id", s.gas.ChainID()),
			slog.String("balance", balance.String()),
			slog.String("minimum", s.reserve.String()))
		return ResultLowGas, fmt.Errorf("%w: have %s, need %s", ErrInsufficientGasReserve, balance, s.reserve)
	}

	won, err := s.store.ClaimPeriod(ctx, target.Week, target.Year, s.instanceID)
	if err != nil {
		return ResultError, fmt.Errorf("scheduler: claim %s: %w", target.Key(), err)
	}
	if !won {
		logger.Info("period claimed by another instance")
		return ResultClaimedElsewhere, nil
	}

	res, err := s.engine.Execute(ctx, target)
	if err != nil {
		if relErr := s.store.ReleaseClaim(ctx, target.Week, target.Year, s.instanceID); relErr != nil {
			logger.Error("release claim", slog.Any("error", relErr))
		}
		return ResultError, err
	}
	s.markExecuted(target.Key())
	if res != nil && res.Executed {
		return ResultExecuted, nil
	}
	return ResultNoop, nil
}

func (s *Scheduler) ensure(ctx context.Context, p draw.Period) error {
	_, created, err := s.store.EnsureDraw(ctx, p.Week, p.Year, p.Start, p.End)
	if err != nil {
		return fmt.Errorf("scheduler: ensure draw %s: %w", p.Key(), err)
	}
	if created {
		s.logger.Info("draw period opened", slog.Int("week", p.Week), slog.Int("year", p.Year))
	}
	return nil
}

func (s *Scheduler) executed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKey == key
}

func (s *Scheduler) markExecuted(key string) {
	s.mu.Lock()
	s.lastKey = key
	s.mu.Unlock()
}
