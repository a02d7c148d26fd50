package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

// GetAuthorization loads the authorization stored under (nonce, chainID).
func (s *Store) GetAuthorization(ctx context.Context, nonce string, chainID uint64) (*models.Authorization, error) {
	var auth models.Authorization
	err := s.db.WithContext(ctx).
		Where("nonce = ? AND chain_id = ?", normalizeHex(nonce), chainID).
		First(&auth).Error
	if err != nil {
		return nil, translate(err)
	}
	return &auth, nil
}

// SavePendingAuthorization creates the record in pending state, or refreshes
// the payload of an existing pending record. It returns ErrConflict when the
// record has already left pending.
func (s *Store) SavePendingAuthorization(ctx context.Context, auth *models.Authorization) error {
	if auth == nil {
		return fmt.Errorf("store: authorization required")
	}
	auth.Nonce = normalizeHex(auth.Nonce)
	auth.FromAddress = normalizeHex(auth.FromAddress)
	auth.ToAddress = normalizeHex(auth.ToAddress)
	auth.Token = normalizeHex(auth.Token)
	auth.Status = models.AuthorizationPending

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Authorization
		err := tx.Where("nonce = ? AND chain_id = ?", auth.Nonce, auth.ChainID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if auth.ID == uuid.Nil {
				auth.ID = uuid.New()
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(auth)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
			return nil
		case err != nil:
			return err
		}
		if existing.Status != models.AuthorizationPending {
			return ErrConflict
		}
		auth.ID = existing.ID
		auth.CreatedAt = existing.CreatedAt
		return tx.Model(&models.Authorization{}).
			Where("id = ? AND status = ?", existing.ID, models.AuthorizationPending).
			Updates(map[string]any{
				"token":        auth.Token,
				"from_address": auth.FromAddress,
				"to_address":   auth.ToAddress,
				"value":        auth.Value,
				"valid_after":  auth.ValidAfter,
				"valid_before": auth.ValidBefore,
				"signature":    auth.Signature,
				"updated_at":   s.timestamp(),
			}).Error
	})
}

// RecordAttemptHash stores the hash of a broadcast whose confirmation did not
// arrive. The record stays pending.
func (s *Store) RecordAttemptHash(ctx context.Context, nonce string, chainID uint64, txHash string) error {
	return s.db.WithContext(ctx).Model(&models.Authorization{}).
		Where("nonce = ? AND chain_id = ? AND status = ?", normalizeHex(nonce), chainID, models.AuthorizationPending).
		Updates(map[string]any{"tx_hash": txHash, "updated_at": s.timestamp()}).Error
}

// ClearAttemptHash drops the recorded hash of a pending authorization whose
// broadcast reverted, so the next attempt resends it.
func (s *Store) ClearAttemptHash(ctx context.Context, nonce string, chainID uint64) error {
	return s.db.WithContext(ctx).Model(&models.Authorization{}).
		Where("nonce = ? AND chain_id = ? AND status = ?", normalizeHex(nonce), chainID, models.AuthorizationPending).
		Updates(map[string]any{"tx_hash": nil, "updated_at": s.timestamp()}).Error
}

// MarkAuthorizationUsed moves a pending authorization to used and appends the
// history records in one transaction. It returns ErrConflict if the record was
// not pending.
func (s *Store) MarkAuthorizationUsed(ctx context.Context, nonce string, chainID uint64, txHash string, records []models.TransactionRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Authorization{}).
			Where("nonce = ? AND chain_id = ? AND status = ?", normalizeHex(nonce), chainID, models.AuthorizationPending).
			Updates(map[string]any{
				"status":     models.AuthorizationUsed,
				"tx_hash":    txHash,
				"updated_at": s.timestamp(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		if len(records) == 0 {
			return nil
		}
		for i := range records {
			if records[i].ID == uuid.Nil {
				records[i].ID = uuid.New()
			}
			records[i].Address = normalizeHex(records[i].Address)
			records[i].Counterparty = normalizeHex(records[i].Counterparty)
			records[i].Token = normalizeHex(records[i].Token)
			if records[i].CreatedAt.IsZero() {
				records[i].CreatedAt = s.timestamp()
			}
		}
		return tx.Create(&records).Error
	})
}

// ListTransactions returns an address history newest first. A zero chainID
// lists every chain.
func (s *Store) ListTransactions(ctx context.Context, address string, chainID uint64, limit int) ([]models.TransactionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("address = ?", normalizeHex(address))
	if chainID != 0 {
		query = query.Where("chain_id = ?", chainID)
	}
	var out []models.TransactionRecord
	if err := query.Order("created_at DESC").Order("id").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
