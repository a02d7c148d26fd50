package store

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

// EnsureDraw creates the pending draw for a period if none exists. The bool
// reports whether this call created it.
func (s *Store) EnsureDraw(ctx context.Context, week, year int, start, end time.Time) (*models.Draw, bool, error) {
	now := s.timestamp()
	row := models.Draw{
		ID:         uuid.New(),
		WeekNumber: week,
		Year:       year,
		WeekStart:  start.UTC(),
		WeekEnd:    end.UTC(),
		Status:     models.DrawPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, false, res.Error
	}
	draw, err := s.GetDraw(ctx, week, year)
	if err != nil {
		return nil, false, err
	}
	return draw, res.RowsAffected == 1, nil
}

// GetDraw loads the draw of a period.
func (s *Store) GetDraw(ctx context.Context, week, year int) (*models.Draw, error) {
	var row models.Draw
	if err := s.db.WithContext(ctx).Where("week_number = ? AND year = ?", week, year).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// ListDraws returns draws newest period first.
func (s *Store) ListDraws(ctx context.Context, limit int) ([]models.Draw, error) {
	if limit <= 0 || limit > 200 {
		limit = 52
	}
	var rows []models.Draw
	err := s.db.WithContext(ctx).Order("year DESC").Order("week_number DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// DrawCompletion carries everything written when a draw settles.
type DrawCompletion struct {
	DrawID        uuid.UUID
	Winner        string
	WinnerTickets *big.Int
	WinningNumber *big.Int
	TotalPool     *big.Int
	TotalTickets  *big.Int
	Snapshots     []models.YieldSnapshot
}

// CompleteDraw marks a pending draw completed, writes the yield checkpoints
// and confirms the payout record atomically. It returns ErrConflict when the
// draw was no longer pending.
func (s *Store) CompleteDraw(ctx context.Context, c DrawCompletion) error {
	now := s.timestamp()
	winner := normalizeHex(c.Winner)
	winnerTickets := models.NewAmount(c.WinnerTickets)
	winningNumber := models.NewAmount(c.WinningNumber)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Draw{}).
			Where("id = ? AND status = ?", c.DrawID, models.DrawPending).
			Updates(map[string]any{
				"status":         models.DrawCompleted,
				"winner_address": winner,
				"winner_tickets": &winnerTickets,
				"winning_number": &winningNumber,
				"total_pool":     models.NewAmount(c.TotalPool),
				"total_tickets":  models.NewAmount(c.TotalTickets),
				"completed_at":   now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		for _, snap := range c.Snapshots {
			snap.WalletAddress = normalizeHex(snap.WalletAddress)
			if snap.CreatedAt.IsZero() {
				snap.CreatedAt = now
			}
			snap.UpdatedAt = now
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "wallet_address"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"net_deposits", "last_receipt_balance", "snapshot_yield", "is_first_week",
					"week_number", "year", "last_collected_at", "updated_at",
				}),
			}).Create(&snap).Error
			if err != nil {
				return err
			}
		}

		return tx.Model(&models.Payout{}).
			Where("draw_id = ?", c.DrawID).
			Updates(map[string]any{"status": models.PayoutConfirmed, "updated_at": now}).Error
	})
}

// AddSponsorship records an external top-up for a period.
func (s *Store) AddSponsorship(ctx context.Context, week, year int, amount *big.Int, txHash string) (*models.Sponsorship, error) {
	row := models.Sponsorship{
		ID:         uuid.New(),
		WeekNumber: week,
		Year:       year,
		Amount:     models.NewAmount(amount),
		CreatedAt:  s.timestamp(),
	}
	if txHash != "" {
		h := normalizeHex(txHash)
		row.TxHash = &h
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ListSponsorships returns the top-ups recorded for a period.
func (s *Store) ListSponsorships(ctx context.Context, week, year int) ([]models.Sponsorship, error) {
	var rows []models.Sponsorship
	err := s.db.WithContext(ctx).Where("week_number = ? AND year = ?", week, year).Order("created_at").Find(&rows).Error
	return rows, err
}

// SponsoredTotal sums a period's top-ups. Amounts are text so the sum is taken
// in Go.
func (s *Store) SponsoredTotal(ctx context.Context, week, year int) (*big.Int, error) {
	rows, err := s.ListSponsorships(ctx, week, year)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, row := range rows {
		total.Add(total, row.Amount.Big())
	}
	return total, nil
}
