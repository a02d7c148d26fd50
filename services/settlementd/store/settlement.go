package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

// RecordCollection upserts the sweep outcome for (draw, wallet).
func (s *Store) RecordCollection(ctx context.Context, row *models.Collection) error {
	row.WalletAddress = normalizeHex(row.WalletAddress)
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := s.timestamp()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "draw_id"}, {Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"amount", "status", "tx_hash", "error",
			"receipt_balance", "net_deposits", "total_accrued", "updated_at",
		}),
	}).Create(row).Error
}

// CollectionsForDraw lists every sweep outcome recorded for a draw.
func (s *Store) CollectionsForDraw(ctx context.Context, drawID uuid.UUID) ([]models.Collection, error) {
	var rows []models.Collection
	err := s.db.WithContext(ctx).Where("draw_id = ?", drawID).Order("created_at").Order("wallet_address").Find(&rows).Error
	return rows, err
}

// GetPayout loads the payout attempt of a draw.
func (s *Store) GetPayout(ctx context.Context, drawID uuid.UUID) (*models.Payout, error) {
	var row models.Payout
	if err := s.db.WithContext(ctx).Where("draw_id = ?", drawID).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// SavePayout upserts the payout attempt of a draw.
func (s *Store) SavePayout(ctx context.Context, row *models.Payout) error {
	row.WinnerAddress = normalizeHex(row.WinnerAddress)
	now := s.timestamp()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "draw_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"winner_address", "amount", "winner_tickets", "winning_number",
			"total_tickets", "tx_hash", "status", "updated_at",
		}),
	}).Create(row).Error
}

// ClaimPeriod inserts the execution claim for a period. It reports false when
// another instance already holds it.
func (s *Store) ClaimPeriod(ctx context.Context, week, year int, instanceID string) (bool, error) {
	row := models.DrawClaim{
		WeekNumber: week,
		Year:       year,
		InstanceID: instanceID,
		ClaimedAt:  s.timestamp(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaim removes a claim held by instanceID so a later tick can retry.
func (s *Store) ReleaseClaim(ctx context.Context, week, year int, instanceID string) error {
	return s.db.WithContext(ctx).
		Where("week_number = ? AND year = ? AND instance_id = ?", week, year, instanceID).
		Delete(&models.DrawClaim{}).Error
}

// GetClaim loads the claim of a period.
func (s *Store) GetClaim(ctx context.Context, week, year int) (*models.DrawClaim, error) {
	var row models.DrawClaim
	if err := s.db.WithContext(ctx).Where("week_number = ? AND year = ?", week, year).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &row, nil
}
