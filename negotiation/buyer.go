package negotiation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stackspay/stackspay/logger"
)

const (
	DefaultMaxRounds = 3
	pricePrecision   = 6
)

// DefaultInitialFraction is the opening offer as a fraction of the listed price.
var DefaultInitialFraction = decimal.RequireFromString("0.7")

// Transport carries one offer to the seller.
type Transport interface {
	Propose(ctx context.Context, offer Offer) (Decision, error)
}

// Outcome is the result of a negotiation.
type Outcome struct {
	Success    bool
	FinalPrice decimal.Decimal
	Rounds     int
	Message    string
}

// Buyer drives a bounded negotiation.
type Buyer struct {
	transport       Transport
	AgentID         string
	MaxRounds       int
	InitialFraction decimal.Decimal
	// InitialOffer, when positive, overrides InitialFraction.
	InitialOffer decimal.Decimal
	logger       logger.Logger
}

func NewBuyer(transport Transport, agentID string, l logger.Logger) *Buyer {
	if agentID == "" {
		agentID = "stackspay-agent-" + uuid.NewString()[:8]
	}
	return &Buyer{
		transport:       transport,
		AgentID:         agentID,
		MaxRounds:       DefaultMaxRounds,
		InitialFraction: DefaultInitialFraction,
		logger:          logger.OrNoop(l),
	}
}

// Negotiate runs at most MaxRounds rounds. A counter-offer before the final
// round moves the offer to the midpoint; on the final round the counter is
// accepted. A transport error ends the negotiation immediately.
func (b *Buyer) Negotiate(ctx context.Context, listed decimal.Decimal) (Outcome, error) {
	maxRounds := b.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	offer := b.InitialOffer
	if !offer.IsPositive() {
		offer = listed.Mul(b.InitialFraction).Round(pricePrecision)
	}

	for round := 1; round <= maxRounds; round++ {
		b.logger.Info("negotiation round", map[string]any{"round": round, "offer": offer.String()})
		decision, err := b.transport.Propose(ctx, Offer{
			OfferedPrice: offer,
			AgentID:      b.AgentID,
			Reason:       fmt.Sprintf("Agent autonomous negotiation round %d", round),
		})
		if err != nil {
			return Outcome{Rounds: round, Message: err.Error()}, err
		}

		switch decision.Status {
		case StatusAccepted:
			price := offer
			if decision.FinalPrice != nil {
				price = *decision.FinalPrice
			}
			return Outcome{Success: true, FinalPrice: price, Rounds: round, Message: decision.Message}, nil
		case StatusCounterOffer:
			if decision.CounterOffer == nil {
				return Outcome{Rounds: round}, fmt.Errorf("counter-offer without a price")
			}
			counter := *decision.CounterOffer
			if round == maxRounds {
				return Outcome{
					Success:    true,
					FinalPrice: counter,
					Rounds:     round,
					Message:    "accepted counter-offer on final round",
				}, nil
			}
			offer = offer.Add(counter).Div(decimal.NewFromInt(2)).Round(pricePrecision)
		default:
			return Outcome{Rounds: round}, fmt.Errorf("unexpected negotiation status %q", decision.Status)
		}
	}
	return Outcome{Rounds: maxRounds, Message: "negotiation failed after max rounds"}, nil
}
