package draw

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

const errAllowance = "allowance below contribution"

func lower(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// collectedFor indexes the successful collections already recorded for a
// draw by lower-case wallet address.
func (e *Engine) collectedFor(ctx context.Context, drawID uuid.UUID) (map[string]models.Collection, error) {
	rows, err := e.store.CollectionsForDraw(ctx, drawID)
	if err != nil {
		return nil, fmt.Errorf("draw: load collections: %w", err)
	}
	out := make(map[string]models.Collection, len(rows))
	for _, row := range rows {
		if row.Status == models.CollectionCollected {
			out[strings.ToLower(row.WalletAddress)] = row
		}
	}
	return out, nil
}

// sweep pulls each participant's contribution into the facilitator account.
// Collections run independently: one failure never stops another, and
// wallets already collected for this draw are not charged twice.
func (e *Engine) sweep(ctx context.Context, drawID uuid.UUID, participants []Participant, prior map[string]models.Collection) []CollectionResult {
	facilitator := e.ledger.Facilitator()
	results := make([]CollectionResult, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, p := range participants {
		addr := lower(p.Address)
		if row, ok := prior[addr]; ok {
			results[i] = CollectionResult{
				Address: addr,
				Amount:  row.Amount,
				Status:  CollectionCollected,
				TxHash:  deref(row.TxHash),
				Reused:  true,
			}
			continue
		}
		if !p.HasEnoughAllowance {
			results[i] = CollectionResult{
				Address: addr,
				Amount:  models.NewAmount(p.Contribution),
				Status:  CollectionUncollectable,
				Error:   errAllowance,
			}
			e.record(ctx, drawID, p, results[i])
			continue
		}

		i, p := i, p
		g.Go(func() error {
			res := CollectionResult{Address: addr, Amount: models.NewAmount(p.Contribution)}
			hash, err := e.ledger.TransferFrom(gctx, e.token, p.Address, facilitator, p.Contribution)
			if err != nil {
				res.Status = CollectionFailed
				res.Error = err.Error()
				if hash != (common.Hash{}) {
					res.TxHash = hash.Hex()
				}
				e.metrics.RecordCollectionFailure()
				e.logger.Warn("collect contribution",
					slog.String("participant", addr),
					slog.String("amount", p.Contribution.String()),
					slog.Any("error", err))
			} else {
				res.Status = CollectionCollected
				res.TxHash = hash.Hex()
			}
			e.record(ctx, drawID, p, res)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// record persists one sweep outcome with the measurement it came from.
// Storage errors are logged: the ledger state is authoritative and a retry
// re-measures from it.
func (e *Engine) record(ctx context.Context, drawID uuid.UUID, p Participant, res CollectionResult) {
	row := &models.Collection{
		DrawID:         drawID,
		WalletAddress:  res.Address,
		Amount:         res.Amount,
		Status:         models.CollectionFailed,
		Error:          truncate(res.Error, 512),
		ReceiptBalance: models.NewAmount(p.ReceiptBalance),
		NetDeposits:    models.NewAmount(p.NetDeposits),
		TotalAccrued:   models.NewAmount(p.TotalAccrued),
	}
	if res.Status == CollectionCollected {
		row.Status = models.CollectionCollected
	}
	if res.TxHash != "" {
		h := res.TxHash
		row.TxHash = &h
	}
	if err := e.store.RecordCollection(ctx, row); err != nil {
		e.logger.Error("record collection",
			slog.String("participant", res.Address),
			slog.String("tx_hash", res.TxHash),
			slog.Any("error", err))
	}
}

// carriedCollections reports the collections of an earlier attempt whose
// payout already landed.
func carriedCollections(prior map[string]models.Collection) []CollectionResult {
	out := make([]CollectionResult, 0, len(prior))
	for addr, row := range prior {
		out = append(out, CollectionResult{
			Address: addr,
			Amount:  row.Amount,
			Status:  CollectionCollected,
			TxHash:  deref(row.TxHash),
			Reused:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// departedCollections reports the earlier collections of wallets that are no
// longer among participants. Their funds already sit with the facilitator and
// still belong in the prize.
func departedCollections(participants []Participant, prior map[string]models.Collection) []CollectionResult {
	present := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		present[lower(p.Address)] = struct{}{}
	}
	departed := make(map[string]models.Collection)
	for addr, row := range prior {
		if _, ok := present[addr]; !ok {
			departed[addr] = row
		}
	}
	return carriedCollections(departed)
}

func collectedTotal(collections []CollectionResult) *big.Int {
	total := new(big.Int)
	for _, c := range collections {
		if c.Status == CollectionCollected {
			total.Add(total, c.Amount.Big())
		}
	}
	return total
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
