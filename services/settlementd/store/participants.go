package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

// UpsertOptIn sets the share of weekly yield a wallet pledges to the pool.
func (s *Store) UpsertOptIn(ctx context.Context, address string, percent int) (*models.ParticipantSettings, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("%w: opt-in percent %d outside 0..100", ErrInvalidInput, percent)
	}
	now := s.timestamp()
	row := models.ParticipantSettings{
		WalletAddress: normalizeHex(address),
		OptInPercent:  percent,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"opt_in_percent", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	return s.GetParticipant(ctx, address)
}

// RecordApproval marks the wallet as having granted the facilitator an allowance.
func (s *Store) RecordApproval(ctx context.Context, address, txHash string) (*models.ParticipantSettings, error) {
	now := s.timestamp()
	var hash *string
	if txHash != "" {
		h := normalizeHex(txHash)
		hash = &h
	}
	row := models.ParticipantSettings{
		WalletAddress:       normalizeHex(address),
		FacilitatorApproved: true,
		ApprovalTxHash:      hash,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"facilitator_approved", "approval_tx_hash", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}
	return s.GetParticipant(ctx, address)
}

// GetParticipant loads the settings of one wallet.
func (s *Store) GetParticipant(ctx context.Context, address string) (*models.ParticipantSettings, error) {
	var row models.ParticipantSettings
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", normalizeHex(address)).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// ListEligibleParticipants returns opted-in, approved wallets in insertion order.
func (s *Store) ListEligibleParticipants(ctx context.Context) ([]models.ParticipantSettings, error) {
	var rows []models.ParticipantSettings
	err := s.db.WithContext(ctx).
		Where("opt_in_percent > ? AND facilitator_approved = ?", 0, true).
		Order("created_at").Order("wallet_address").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateReferral stores an immutable referrer -> referee edge.
func (s *Store) CreateReferral(ctx context.Context, referrer, referee string) (*models.Referral, error) {
	referrer, referee = normalizeHex(referrer), normalizeHex(referee)
	if referrer == referee {
		return nil, fmt.Errorf("%w: wallet cannot refer itself", ErrInvalidInput)
	}
	row := models.Referral{
		RefereeAddress:  referee,
		ReferrerAddress: referrer,
		CreatedAt:       s.timestamp(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrDuplicate
	}
	return &row, nil
}

// ReferrerIndex maps every referee to its referrer.
func (s *Store) ReferrerIndex(ctx context.Context) (map[string]string, error) {
	var rows []models.Referral
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	index := make(map[string]string, len(rows))
	for _, row := range rows {
		index[row.RefereeAddress] = row.ReferrerAddress
	}
	return index, nil
}

// CountReferees counts the wallets referred by address.
func (s *Store) CountReferees(ctx context.Context, address string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("referrer_address = ?", normalizeHex(address)).
		Count(&count).Error
	return count, err
}

// GetSnapshot loads the yield checkpoint of one wallet.
func (s *Store) GetSnapshot(ctx context.Context, address string) (*models.YieldSnapshot, error) {
	var row models.YieldSnapshot
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", normalizeHex(address)).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// EnsureSnapshot inserts snap unless a checkpoint already exists, and returns
// whichever row is stored.
func (s *Store) EnsureSnapshot(ctx context.Context, snap models.YieldSnapshot) (*models.YieldSnapshot, error) {
	snap.WalletAddress = normalizeHex(snap.WalletAddress)
	now := s.timestamp()
	snap.CreatedAt, snap.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&snap).Error; err != nil {
		return nil, err
	}
	return s.GetSnapshot(ctx, snap.WalletAddress)
}
