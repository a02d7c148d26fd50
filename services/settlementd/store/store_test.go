package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	s := New(db, WithClock(func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}))
	require.NoError(t, s.Migrate())
	return s
}

func pendingAuthorization(nonce string) *models.Authorization {
	return &models.Authorization{
		ChainID:     42220,
		Nonce:       nonce,
		Token:       "0xCEBA9300F2B948710D2653DD7B07F33A8B32118C",
		FromAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   "0x2222222222222222222222222222222222222222",
		Value:       models.AmountFromUint64(1_000_000),
		ValidAfter:  models.AmountFromUint64(0),
		ValidBefore: models.AmountFromUint64(1_900_000_000),
		Signature:   "0x" + fmt.Sprintf("%0130x", 1),
	}
}

func TestAuthorizationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	nonce := "0x" + fmt.Sprintf("%064x", 7)

	_, err := s.GetAuthorization(ctx, nonce, 42220)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SavePendingAuthorization(ctx, pendingAuthorization(nonce)))
	// A retry with the same payload refreshes the pending row.
	require.NoError(t, s.SavePendingAuthorization(ctx, pendingAuthorization(nonce)))

	stored, err := s.GetAuthorization(ctx, nonce, 42220)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationPending, stored.Status)
	require.Equal(t, "0xceba9300f2b948710d2653dd7b07f33a8b32118c", stored.Token)
	require.Equal(t, "1000000", stored.Value.String())

	require.NoError(t, s.RecordAttemptHash(ctx, nonce, 42220, "0x0a"))
	stored, err = s.GetAuthorization(ctx, nonce, 42220)
	require.NoError(t, err)
	require.NotNil(t, stored.TxHash)
	require.Equal(t, "0x0a", *stored.TxHash)
	require.NoError(t, s.ClearAttemptHash(ctx, nonce, 42220))
	stored, err = s.GetAuthorization(ctx, nonce, 42220)
	require.NoError(t, err)
	require.Nil(t, stored.TxHash)
	require.Equal(t, models.AuthorizationPending, stored.Status)

	records := []models.TransactionRecord{
		{ChainID: 42220, Address: stored.FromAddress, Counterparty: stored.ToAddress, Direction: models.DirectionDebit, Token: stored.Token, Amount: stored.Value, TxHash: "0xabc", Nonce: nonce},
		{ChainID: 42220, Address: stored.ToAddress, Counterparty: stored.FromAddress, Direction: models.DirectionCredit, Token: stored.Token, Amount: stored.Value, TxHash: "0xabc", Nonce: nonce},
	}
	require.NoError(t, s.MarkAuthorizationUsed(ctx, nonce, 42220, "0xabc", records))

	stored, err = s.GetAuthorization(ctx, nonce, 42220)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationUsed, stored.Status)
	require.NotNil(t, stored.TxHash)
	require.Equal(t, "0xabc", *stored.TxHash)

	err = s.MarkAuthorizationUsed(ctx, nonce, 42220, "0xdef", nil)
	require.ErrorIs(t, err, ErrConflict)
	err = s.SavePendingAuthorization(ctx, pendingAuthorization(nonce))
	require.ErrorIs(t, err, ErrConflict)

	history, err := s.ListTransactions(ctx, stored.FromAddress, 42220, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.DirectionDebit, history[0].Direction)

	// Same nonce on another chain is a distinct key.
	other := pendingAuthorization(nonce)
	other.ChainID = 8453
	require.NoError(t, s.SavePendingAuthorization(ctx, other))
}

func TestEligibleParticipantsOrder(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.UpsertOptIn(ctx, "0xBBBB000000000000000000000000000000000000", 50)
	require.NoError(t, err)
	_, err = s.UpsertOptIn(ctx, "0xaaaa000000000000000000000000000000000000", 25)
	require.NoError(t, err)
	_, err = s.UpsertOptIn(ctx, "0xcccc000000000000000000000000000000000000", 10)
	require.NoError(t, err)

	_, err = s.RecordApproval(ctx, "0xaaaa000000000000000000000000000000000000", "0x01")
	require.NoError(t, err)
	_, err = s.RecordApproval(ctx, "0xbbbb000000000000000000000000000000000000", "")
	require.NoError(t, err)

	// Opting out keeps approval but leaves the pool.
	_, err = s.UpsertOptIn(ctx, "0xcccc000000000000000000000000000000000000", 0)
	require.NoError(t, err)
	_, err = s.RecordApproval(ctx, "0xcccc000000000000000000000000000000000000", "")
	require.NoError(t, err)

	rows, err := s.ListEligibleParticipants(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "0xbbbb000000000000000000000000000000000000", rows[0].WalletAddress)
	require.Equal(t, 50, rows[0].OptInPercent)
	require.Equal(t, "0xaaaa000000000000000000000000000000000000", rows[1].WalletAddress)

	_, err = s.UpsertOptIn(ctx, "0xaaaa000000000000000000000000000000000000", 101)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestReferrals(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	x := "0x1000000000000000000000000000000000000000"
	y := "0x2000000000000000000000000000000000000000"
	z := "0x3000000000000000000000000000000000000000"

	_, err := s.CreateReferral(ctx, x, y)
	require.NoError(t, err)
	_, err = s.CreateReferral(ctx, z, y)
	require.ErrorIs(t, err, ErrDuplicate)
	_, err = s.CreateReferral(ctx, x, x)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.CreateReferral(ctx, x, z)
	require.NoError(t, err)

	index, err := s.ReferrerIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{y: x, z: x}, index)

	count, err := s.CountReferees(ctx, x)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestEnsureAndCompleteDraw(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	start := time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC)
	end := start.Add(7*24*time.Hour - time.Second)

	draw, created, err := s.EnsureDraw(ctx, 9, 2024, start, end)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := s.EnsureDraw(ctx, 9, 2024, start, end)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, draw.ID, again.ID)

	snap, err := s.EnsureSnapshot(ctx, models.YieldSnapshot{
		WalletAddress: "0xAAAA000000000000000000000000000000000000",
		NetDeposits:   models.AmountFromUint64(1000),
		IsFirstWeek:   true,
	})
	require.NoError(t, err)
	require.True(t, snap.IsFirstWeek)

	// A second ensure keeps the original checkpoint.
	snap, err = s.EnsureSnapshot(ctx, models.YieldSnapshot{
		WalletAddress: "0xaaaa000000000000000000000000000000000000",
		NetDeposits:   models.AmountFromUint64(5000),
		IsFirstWeek:   true,
	})
	require.NoError(t, err)
	require.Equal(t, "1000", snap.NetDeposits.String())

	require.NoError(t, s.SavePayout(ctx, &models.Payout{
		DrawID:        draw.ID,
		WinnerAddress: "0xaaaa000000000000000000000000000000000000",
		Amount:        models.AmountFromUint64(40),
		Status:        models.PayoutSubmitted,
	}))

	collected := time.Date(2024, 3, 4, 0, 5, 0, 0, time.UTC)
	completion := DrawCompletion{
		DrawID:        draw.ID,
		Winner:        "0xAAAA000000000000000000000000000000000000",
		WinnerTickets: big.NewInt(44),
		WinningNumber: big.NewInt(12),
		TotalPool:     big.NewInt(40),
		TotalTickets:  big.NewInt(84),
		Snapshots: []models.YieldSnapshot{{
			WalletAddress:      "0xaaaa000000000000000000000000000000000000",
			NetDeposits:        models.AmountFromUint64(1000),
			LastReceiptBalance: models.AmountFromUint64(1180),
			SnapshotYield:      models.AmountFromUint64(180),
			WeekNumber:         9,
			Year:               2024,
			LastCollectedAt:    &collected,
		}},
	}
	require.NoError(t, s.CompleteDraw(ctx, completion))
	require.ErrorIs(t, s.CompleteDraw(ctx, completion), ErrConflict)

	stored, err := s.GetDraw(ctx, 9, 2024)
	require.NoError(t, err)
	require.Equal(t, models.DrawCompleted, stored.Status)
	require.NotNil(t, stored.WinnerTickets)
	require.Equal(t, "44", stored.WinnerTickets.String())
	require.Equal(t, "40", stored.TotalPool.String())

	snap, err = s.GetSnapshot(ctx, "0xaaaa000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, snap.IsFirstWeek)
	require.Equal(t, "180", snap.SnapshotYield.String())
	require.Equal(t, 9, snap.WeekNumber)

	payout, err := s.GetPayout(ctx, draw.ID)
	require.NoError(t, err)
	require.Equal(t, models.PayoutConfirmed, payout.Status)
}

func TestSponsorshipTotals(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	_, err := s.AddSponsorship(ctx, 9, 2024, big.NewInt(250), "0xaa")
	require.NoError(t, err)
	_, err = s.AddSponsorship(ctx, 9, 2024, big.NewInt(750), "")
	require.NoError(t, err)
	_, err = s.AddSponsorship(ctx, 10, 2024, big.NewInt(1), "")
	require.NoError(t, err)

	total, err := s.SponsoredTotal(ctx, 9, 2024)
	require.NoError(t, err)
	require.Equal(t, "1000", total.String())
}

func TestCollectionsAndPayouts(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	drawID := uuid.New()

	require.NoError(t, s.RecordCollection(ctx, &models.Collection{
		DrawID: drawID, WalletAddress: "0xAA", Amount: models.AmountFromUint64(5),
		Status: models.CollectionFailed, Error: "allowance",
	}))
	hash := "0x01"
	require.NoError(t, s.RecordCollection(ctx, &models.Collection{
		DrawID: drawID, WalletAddress: "0xaa", Amount: models.AmountFromUint64(5),
		Status: models.CollectionCollected, TxHash: &hash,
		ReceiptBalance: models.AmountFromUint64(1100), NetDeposits: models.AmountFromUint64(1000),
		TotalAccrued: models.AmountFromUint64(100),
	}))
	rows, err := s.CollectionsForDraw(ctx, drawID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.CollectionCollected, rows[0].Status)
	require.Equal(t, "1100", rows[0].ReceiptBalance.String())
	require.Equal(t, "1000", rows[0].NetDeposits.String())
	require.Equal(t, "100", rows[0].TotalAccrued.String())

	_, err = s.GetPayout(ctx, drawID)
	require.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, s.SavePayout(ctx, &models.Payout{DrawID: drawID, WinnerAddress: "0xAA", Status: models.PayoutSelected}))
	payoutHash := "0x02"
	require.NoError(t, s.SavePayout(ctx, &models.Payout{
		DrawID: drawID, WinnerAddress: "0xaa", Amount: models.AmountFromUint64(9),
		TxHash: &payoutHash, Status: models.PayoutSubmitted,
	}))
	payout, err := s.GetPayout(ctx, drawID)
	require.NoError(t, err)
	require.Equal(t, "0xaa", payout.WinnerAddress)
	require.Equal(t, models.PayoutSubmitted, payout.Status)
	require.Equal(t, "9", payout.Amount.String())
	require.NotNil(t, payout.TxHash)
}

func TestClaims(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	won, err := s.ClaimPeriod(ctx, 9, 2024, "a")
	require.NoError(t, err)
	require.True(t, won)
	won, err = s.ClaimPeriod(ctx, 9, 2024, "b")
	require.NoError(t, err)
	require.False(t, won)

	// Only the holder can release.
	require.NoError(t, s.ReleaseClaim(ctx, 9, 2024, "b"))
	claim, err := s.GetClaim(ctx, 9, 2024)
	require.NoError(t, err)
	require.Equal(t, "a", claim.InstanceID)

	require.NoError(t, s.ReleaseClaim(ctx, 9, 2024, "a"))
	won, err = s.ClaimPeriod(ctx, 9, 2024, "b")
	require.NoError(t, err)
	require.True(t, won)
}
