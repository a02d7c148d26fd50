package draw

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ReferralBonusDivisor gives referrers a tenth of each referee's contribution.
const ReferralBonusDivisor = 10

// ErrNoTickets indicates an allocation with zero total tickets.
var ErrNoTickets = errors.New("draw: no tickets allocated")

// Holder is one ticket holder in insertion order.
type Holder struct {
	Address common.Address
	Own     *big.Int
	Bonus   *big.Int
}

// Tickets returns own plus bonus tickets.
func (h Holder) Tickets() *big.Int {
	return new(big.Int).Add(h.Own, h.Bonus)
}

// Allocation is the ticket table of a draw.
type Allocation struct {
	Holders []Holder
	Total   *big.Int
}

// Allocate issues one ticket per contributed unit and credits each referrer
// contribution/ReferralBonusDivisor per referee. Participants keep their
// order; referrers who did not contribute are appended in first-seen order.
// referrers maps lower-case referee address to referrer address.
func Allocate(participants []Participant, referrers map[string]string) Allocation {
	holders := make([]Holder, 0, len(participants))
	index := make(map[common.Address]int, len(participants))
	for _, p := range participants {
		if i, ok := index[p.Address]; ok {
			holders[i].Own.Add(holders[i].Own, p.Contribution)
			continue
		}
		index[p.Address] = len(holders)
		holders = append(holders, Holder{
			Address: p.Address,
			Own:     new(big.Int).Set(p.Contribution),
			Bonus:   new(big.Int),
		})
	}

	for _, p := range participants {
		if p.Contribution.Sign() == 0 {
			continue
		}
		ref, ok := referrers[strings.ToLower(p.Address.Hex())]
		if !ok || !common.IsHexAddress(ref) {
			continue
		}
		bonus := new(big.Int).Quo(p.Contribution, big.NewInt(ReferralBonusDivisor))
		if bonus.Sign() == 0 {
			continue
		}
		referrer := common.HexToAddress(ref)
		i, ok := index[referrer]
		if !ok {
			i = len(holders)
			index[referrer] = i
			holders = append(holders, Holder{Address: referrer, Own: new(big.Int), Bonus: new(big.Int)})
		}
		holders[i].Bonus.Add(holders[i].Bonus, bonus)
	}

	total := new(big.Int)
	for _, h := range holders {
		total.Add(total, h.Tickets())
	}
	return Allocation{Holders: holders, Total: total}
}

// TicketsOf returns the tickets held by addr.
func (a Allocation) TicketsOf(addr common.Address) *big.Int {
	for _, h := range a.Holders {
		if h.Address == addr {
			return h.Tickets()
		}
	}
	return new(big.Int)
}

// Selection is the outcome of the weighted draw.
type Selection struct {
	Winner        common.Address
	WinnerTickets *big.Int
	WinningNumber *big.Int
	TotalTickets  *big.Int
}

// Select draws a uniform integer r in [0, Total) from rnd and returns the
// first holder whose cumulative ticket count exceeds r. A nil rnd uses
// crypto/rand.
func (a Allocation) Select(rnd io.Reader) (Selection, error) {
	if a.Total == nil || a.Total.Sign() <= 0 {
		return Selection{}, ErrNoTickets
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	r, err := rand.Int(rnd, a.Total)
	if err != nil {
		return Selection{}, fmt.Errorf("draw: random source: %w", err)
	}
	cumulative := new(big.Int)
	for _, h := range a.Holders {
		tickets := h.Tickets()
		cumulative.Add(cumulative, tickets)
		if cumulative.Cmp(r) > 0 {
			return Selection{
				Winner:        h.Address,
				WinnerTickets: tickets,
				WinningNumber: r,
				TotalTickets:  new(big.Int).Set(a.Total),
			}, nil
		}
	}
	return Selection{}, fmt.Errorf("draw: winning number %s beyond %s tickets", r, a.Total)
}
