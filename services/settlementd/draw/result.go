package draw

import (
	"errors"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

var (
	// ErrPayoutFailed indicates the winner transfer was not broadcast or was
	// reverted. The draw stays pending with its winner fixed.
	ErrPayoutFailed = errors.New("draw: payout transfer failed")
	// ErrPayoutUnconfirmed indicates a broadcast payout whose receipt is not
	// yet known. Re-execution verifies it before doing anything else.
	ErrPayoutUnconfirmed = errors.New("draw: payout transfer unconfirmed")
)

// No-op reasons reported in Result.Reason.
const (
	ReasonNoSigner       = "no_signer"
	ReasonNoParticipants = "no_participants"
	ReasonZeroTickets    = "zero_tickets"
	ReasonDrawNotFound   = "draw_not_found"
	ReasonDrawCompleted  = "draw_completed"
)

// Collection outcomes reported per participant.
const (
	CollectionCollected     = "collected"
	CollectionFailed        = "failed"
	CollectionUncollectable = "uncollectable"
)

// CollectionResult is the sweep outcome for one participant.
type CollectionResult struct {
	Address string        `json:"address"`
	Amount  models.Amount `json:"amount"`
	Status  string        `json:"status"`
	TxHash  string        `json:"txHash,omitempty"`
	Error   string        `json:"error,omitempty"`
	// Reused marks a collection carried over from an earlier attempt.
	Reused bool `json:"reused,omitempty"`
}

// Result is the structured outcome of a draw execution. Executed is false for
// the expected steady-state no-ops named by Reason.
type Result struct {
	Executed      bool               `json:"executed"`
	Reason        string             `json:"reason,omitempty"`
	DrawID        string             `json:"drawId,omitempty"`
	Week          int                `json:"weekNumber"`
	Year          int                `json:"year"`
	Eligible      int                `json:"eligible"`
	Participants  int                `json:"participants"`
	Winner        string             `json:"winner,omitempty"`
	WinnerTickets models.Amount      `json:"winnerTickets"`
	WinningNumber models.Amount      `json:"winningNumber"`
	TotalTickets  models.Amount      `json:"totalTickets"`
	Pledged       models.Amount      `json:"pledged"`
	Collected     models.Amount      `json:"collected"`
	Sponsored     models.Amount      `json:"sponsored"`
	Prize         models.Amount      `json:"prize"`
	PayoutTxHash  string             `json:"payoutTxHash,omitempty"`
	Collections   []CollectionResult `json:"collections,omitempty"`
}

func (r *Result) noop(reason string) *Result {
	r.Executed = false
	r.Reason = reason
	return r
}

// Outcome classifies a result and error for metrics and logs.
func Outcome(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrPayoutFailed):
		return "payout_failed"
	case errors.Is(err, ErrPayoutUnconfirmed):
		return "payout_unconfirmed"
	case err != nil:
		return "error"
	case res == nil:
		return "unknown"
	case res.Executed:
		return "completed"
	default:
		return res.Reason
	}
}
