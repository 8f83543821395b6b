// Package negotiation implements the optional pre-payment price agreement:
// a seller-side evaluator and a buyer-side driver that exchange offers
// over PATCH /negotiate.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	StatusAccepted     = "accepted"
	StatusCounterOffer = "counter-offer"
)

// DefaultFloorFraction is the floor, as a fraction of the listed price,
// used when the seller does not configure one.
var DefaultFloorFraction = decimal.RequireFromString("0.5")

// ErrInvalidOffer rejects an offer that is not a positive price.
var ErrInvalidOffer = errors.New("invalid offer: include { offeredPrice: number, agentId?: string }")

// Offer is the buyer's proposal for one round.
type Offer struct {
	OfferedPrice decimal.Decimal `json:"offeredPrice"`
	AgentID      string          `json:"agentId,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Decision is the seller's answer to an Offer.
type Decision struct {
	Status       string           `json:"status"`
	FinalPrice   *decimal.Decimal `json:"finalPrice,omitempty"`
	CounterOffer *decimal.Decimal `json:"counterOffer,omitempty"`
	Currency     string           `json:"currency"`
	PayTo        string           `json:"payTo"`
	Message      string           `json:"message"`
	Next         string           `json:"next,omitempty"`
}

// Result is the outcome of Evaluate.
type Result struct {
	Accepted     bool
	FinalPrice   decimal.Decimal
	CounterOffer decimal.Decimal
	Message      string
}

// Evaluate accepts any offer at or above floor at the offered price, and
// counters anything below with the floor itself.
func Evaluate(offered, listed, floor decimal.Decimal) Result {
	if offered.GreaterThanOrEqual(listed) {
		return Result{
			Accepted:   true,
			FinalPrice: offered,
			Message:    fmt.Sprintf("Offer of %s accepted", offered),
		}
	}
	if offered.GreaterThanOrEqual(floor) {
		return Result{
			Accepted:   true,
			FinalPrice: offered,
			Message:    fmt.Sprintf("Discounted offer of %s accepted (floor: %s)", offered, floor),
		}
	}
	return Result{
		Accepted:     false,
		CounterOffer: floor,
		Message:      fmt.Sprintf("Offer of %s rejected. Counter-offer: %s", offered, floor),
	}
}
