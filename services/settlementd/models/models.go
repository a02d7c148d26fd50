package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthorizationStatus tracks a relay authorization through its lifecycle.
type AuthorizationStatus string

// Authorization states. Only pending -> used is driven by settlementd.
const (
	AuthorizationPending   AuthorizationStatus = "pending"
	AuthorizationUsed      AuthorizationStatus = "used"
	AuthorizationCancelled AuthorizationStatus = "cancelled"
	AuthorizationExpired   AuthorizationStatus = "expired"
)

// DrawStatus tracks a weekly draw.
type DrawStatus string

// Draw states.
const (
	DrawPending   DrawStatus = "pending"
	DrawCompleted DrawStatus = "completed"
)

// Direction of a transaction record relative to its owning address.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// CollectionStatus records the outcome of sweeping one participant.
type CollectionStatus string

// Collection outcomes.
const (
	CollectionCollected CollectionStatus = "collected"
	CollectionFailed    CollectionStatus = "failed"
)

// PayoutStatus records the winner transfer.
type PayoutStatus string

// Payout states. A selected payout has a fixed winner but nothing broadcast;
// a submitted one has a hash whose receipt is not yet known.
const (
	PayoutSelected  PayoutStatus = "selected"
	PayoutSubmitted PayoutStatus = "submitted"
	PayoutConfirmed PayoutStatus = "confirmed"
)

// Authorization is a signed transferWithAuthorization instruction keyed by
// (nonce, chain).
type Authorization struct {
	ID          uuid.UUID           `gorm:"type:uuid;primaryKey" json:"-"`
	ChainID     uint64              `gorm:"not null;uniqueIndex:idx_authorization_key,priority:2" json:"chainId"`
	Nonce       string              `gorm:"size:66;not null;uniqueIndex:idx_authorization_key,priority:1" json:"nonce"`
	Token       string              `gorm:"size:42;not null" json:"token"`
	FromAddress string              `gorm:"size:42;not null;index" json:"from"`
	ToAddress   string              `gorm:"size:42;not null" json:"to"`
	Value       Amount              `gorm:"not null" json:"value"`
	ValidAfter  Amount              `gorm:"not null" json:"validAfter"`
	ValidBefore Amount              `gorm:"not null" json:"validBefore"`
	Signature   string              `gorm:"size:132;not null" json:"signature"`
	Status      AuthorizationStatus `gorm:"size:16;not null;index" json:"status"`
	TxHash      *string             `gorm:"size:66" json:"txHash,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// TransactionRecord is one side of a settled transfer in an address history.
type TransactionRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChainID      uint64    `gorm:"not null;index:idx_tx_owner,priority:2" json:"chainId"`
	Address      string    `gorm:"size:42;not null;index:idx_tx_owner,priority:1" json:"address"`
	Counterparty string    `gorm:"size:42;not null" json:"counterparty"`
	Direction    string    `gorm:"size:8;not null" json:"direction"`
	Token        string    `gorm:"size:42;not null" json:"token"`
	Amount       Amount    `gorm:"not null" json:"amount"`
	TxHash       string    `gorm:"size:66;not null;index" json:"txHash"`
	Nonce        string    `gorm:"size:66" json:"nonce,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}

// ParticipantSettings holds a wallet's prize pool preferences.
type ParticipantSettings struct {
	WalletAddress       string    `gorm:"size:42;primaryKey" json:"walletAddress"`
	OptInPercent        int       `gorm:"not null;default:0" json:"optInPercent"`
	FacilitatorApproved bool      `gorm:"not null;default:false" json:"facilitatorApproved"`
	ApprovalTxHash      *string   `gorm:"size:66" json:"approvalTxHash,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// YieldSnapshot is the interest accounting checkpoint for one wallet.
type YieldSnapshot struct {
	WalletAddress      string     `gorm:"size:42;primaryKey" json:"walletAddress"`
	NetDeposits        Amount     `gorm:"not null" json:"netDeposits"`
	LastReceiptBalance Amount     `gorm:"not null" json:"lastReceiptBalance"`
	SnapshotYield      Amount     `gorm:"not null" json:"snapshotYield"`
	IsFirstWeek        bool       `gorm:"not null" json:"isFirstWeek"`
	WeekNumber         int        `json:"weekNumber"`
	Year               int        `json:"year"`
	LastCollectedAt    *time.Time `json:"lastCollectedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Draw is the weekly lottery record, unique per ISO week.
type Draw struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	WeekNumber    int        `gorm:"not null;uniqueIndex:idx_draw_period,priority:1" json:"weekNumber"`
	Year          int        `gorm:"not null;uniqueIndex:idx_draw_period,priority:2" json:"year"`
	WeekStart     time.Time  `gorm:"not null" json:"weekStart"`
	WeekEnd       time.Time  `gorm:"not null" json:"weekEnd"`
	Status        DrawStatus `gorm:"size:16;not null;index" json:"status"`
	WinnerAddress *string    `gorm:"size:42" json:"winnerAddress,omitempty"`
	WinnerTickets *Amount    `json:"winnerTickets,omitempty"`
	WinningNumber *Amount    `json:"winningNumber,omitempty"`
	TotalPool     Amount     `gorm:"not null" json:"totalPool"`
	TotalTickets  Amount     `gorm:"not null" json:"totalTickets"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Referral is an immutable referrer -> referee edge. A referee has one referrer.
type Referral struct {
	RefereeAddress  string    `gorm:"size:42;primaryKey" json:"refereeAddress"`
	ReferrerAddress string    `gorm:"size:42;not null;index" json:"referrerAddress"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Sponsorship is an external top-up credited to a period's prize.
type Sponsorship struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	WeekNumber int       `gorm:"not null;index:idx_sponsorship_period,priority:1" json:"weekNumber"`
	Year       int       `gorm:"not null;index:idx_sponsorship_period,priority:2" json:"year"`
	Amount     Amount    `gorm:"not null" json:"amount"`
	TxHash     *string   `gorm:"size:66" json:"txHash,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Collection records one sweep attempt for a draw participant.
type Collection struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	DrawID        uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:idx_collection_key,priority:1" json:"drawId"`
	WalletAddress string           `gorm:"size:42;not null;uniqueIndex:idx_collection_key,priority:2" json:"walletAddress"`
	Amount        Amount           `gorm:"not null" json:"amount"`
	Status        CollectionStatus `gorm:"size:16;not null" json:"status"`
	TxHash        *string          `gorm:"size:66" json:"txHash,omitempty"`
	Error         string           `gorm:"size:512" json:"error,omitempty"`
	// The measurement the contribution was derived from. A retry checkpoints
	// a collected wallet from it when the wallet is no longer eligible.
	ReceiptBalance Amount    `json:"receiptBalance"`
	NetDeposits    Amount    `json:"netDeposits"`
	TotalAccrued   Amount    `json:"totalAccrued"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Payout records the winner transfer for a draw.
type Payout struct {
	DrawID        uuid.UUID    `gorm:"type:uuid;primaryKey" json:"drawId"`
	WinnerAddress string       `gorm:"size:42;not null" json:"winnerAddress"`
	Amount        Amount       `gorm:"not null" json:"amount"`
	WinnerTickets Amount       `gorm:"not null" json:"winnerTickets"`
	WinningNumber Amount       `gorm:"not null" json:"winningNumber"`
	TotalTickets  Amount       `gorm:"not null" json:"totalTickets"`
	TxHash        *string      `gorm:"size:66" json:"txHash,omitempty"`
	Status        PayoutStatus `gorm:"size:16;not null" json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// DrawClaim is the cross-instance guard on executing a period.
type DrawClaim struct {
	WeekNumber int       `gorm:"primaryKey;autoIncrement:false" json:"weekNumber"`
	Year       int       `gorm:"primaryKey;autoIncrement:false" json:"year"`
	InstanceID string    `gorm:"size:128;not null" json:"instanceId"`
	ClaimedAt  time.Time `gorm:"not null" json:"claimedAt"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Authorization{},
		&TransactionRecord{},
		&ParticipantSettings{},
		&YieldSnapshot{},
		&Draw{},
		&Referral{},
		&Sponsorship{},
		&Collection{},
		&Payout{},
		&DrawClaim{},
	)
}
