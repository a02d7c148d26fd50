package draw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

// Participant is one wallet's yield measurement for a period.
type Participant struct {
	Address      common.Address
	OptInPercent int
	// ReceiptBalance is the deposit-receipt balance the measurement used.
	// On a retry it includes amounts already collected for the draw.
	ReceiptBalance     *big.Int
	NetDeposits        *big.Int
	TotalAccrued       *big.Int
	PriorYield         *big.Int
	FirstWeek          bool
	Delta              *big.Int
	Contribution       *big.Int
	Allowance          *big.Int
	HasEnoughAllowance bool

	snapshot models.YieldSnapshot
}

// Preparation is the measured state of a period before tickets are issued.
type Preparation struct {
	Period       Period
	Participants []Participant
	// Eligible counts opted-in, approved wallets.
	Eligible int
	// Skipped counts eligible wallets with no contribution this period.
	Skipped int
	// Unreadable counts wallets whose ledger reads failed.
	Unreadable int
}

// Pledged sums the contributions of the prepared participants.
func (p *Preparation) Pledged() *big.Int {
	total := new(big.Int)
	for _, part := range p.Participants {
		total.Add(total, part.Contribution)
	}
	return total
}

// YieldDelta returns (totalAccrued, delta) for a receipt balance against a
// checkpoint.
func YieldDelta(balance *big.Int, snap models.YieldSnapshot) (*big.Int, *big.Int) {
	accrued := new(big.Int).Sub(balance, snap.NetDeposits.Big())
	if accrued.Sign() < 0 {
		accrued.SetInt64(0)
	}
	if snap.IsFirstWeek {
		return accrued, new(big.Int).Set(accrued)
	}
	delta := new(big.Int).Sub(accrued, snap.SnapshotYield.Big())
	if delta.Sign() < 0 {
		delta.SetInt64(0)
	}
	return accrued, delta
}

// Contribution returns delta*percent/100, truncated.
func Contribution(delta *big.Int, percent int) *big.Int {
	out := new(big.Int).Mul(delta, big.NewInt(int64(percent)))
	return out.Quo(out, big.NewInt(100))
}

// Prepare measures every eligible participant for the draw. Collections
// already recorded against drawID are added back to the observed balance so a
// retried draw measures the same yield the first attempt saw.
func (e *Engine) Prepare(ctx context.Context, period Period, drawID uuid.UUID) (*Preparation, error) {
	settings, err := e.store.ListEligibleParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("draw: list participants: %w", err)
	}
	collected, err := e.collectedFor(ctx, drawID)
	if err != nil {
		return nil, err
	}
	facilitator := e.ledger.Facilitator()

	prep := &Preparation{Period: period, Eligible: len(settings)}
	for _, s := range settings {
		addr := common.HexToAddress(s.WalletAddress)
		logger := e.logger.With(slog.String("participant", s.WalletAddress))

		balance, err := e.ledger.TokenBalance(ctx, e.token, addr)
		if err != nil {
			logger.Warn("read receipt balance", slog.Any("error", err))
			prep.Unreadable++
			continue
		}
		if prior, ok := collected[s.WalletAddress]; ok {
			balance = new(big.Int).Add(balance, prior.Amount.Big())
		}

		snap, err := e.store.GetSnapshot(ctx, s.WalletAddress)
		if errors.Is(err, store.ErrNotFound) {
			snap, err = e.store.EnsureSnapshot(ctx, models.YieldSnapshot{
				WalletAddress:      s.WalletAddress,
				NetDeposits:        models.NewAmount(balance),
				LastReceiptBalance: models.NewAmount(balance),
				IsFirstWeek:        true,
				WeekNumber:         period.Week,
				Year:               period.Year,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("draw: load snapshot %s: %w", s.WalletAddress, err)
		}

		accrued, delta := YieldDelta(balance, *snap)
		contribution := Contribution(delta, s.OptInPercent)
		if delta.Sign() == 0 || contribution.Sign() == 0 {
			prep.Skipped++
			continue
		}

		allowance, err := e.ledger.Allowance(ctx, e.token, addr, facilitator)
		if err != nil {
			logger.Warn("read allowance", slog.Any("error", err))
			allowance = new(big.Int)
		}

		prep.Participants = append(prep.Participants, Participant{
			Address:            addr,
			OptInPercent:       s.OptInPercent,
			ReceiptBalance:     balance,
			NetDeposits:        snap.NetDeposits.Big(),
			TotalAccrued:       accrued,
			PriorYield:         snap.SnapshotYield.Big(),
			FirstWeek:          snap.IsFirstWeek,
			Delta:              delta,
			Contribution:       contribution,
			Allowance:          allowance,
			HasEnoughAllowance: allowance.Cmp(contribution) >= 0,
			snapshot:           *snap,
		})
	}
	return prep, nil
}
