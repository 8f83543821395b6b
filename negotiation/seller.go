package negotiation

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Stats are the seller's per-instance counters.
type Stats struct {
	TotalNegotiations int    `json:"totalNegotiations"`
	AcceptedOffers    int    `json:"acceptedOffers"`
	RejectedOffers    int    `json:"rejectedOffers"`
	AcceptanceRate    string `json:"acceptanceRate"`
}

const (
	// DefaultTermsTTL is how long agreed terms stay redeemable.
	DefaultTermsTTL = time.Hour
	// DefaultMaxTerms caps the number of agents with remembered terms.
	DefaultMaxTerms = 10000
)

type agreedTerms struct {
	price decimal.Decimal
	at    time.Time
}

// Seller evaluates offers against a listed price and floor and remembers
// the terms offered to each identified agent.
type Seller struct {
	listed   decimal.Decimal
	floor    decimal.Decimal
	currency string
	payTo    string

	mu       sync.Mutex
	total    int
	accepted int
	rejected int
	terms    map[string]agreedTerms
	ttl      time.Duration
	maxTerms int
	now      func() time.Time
}

type SellerOption func(*Seller)

// WithTermsTTL sets how long an agent's terms are honored.
func WithTermsTTL(d time.Duration) SellerOption {
	return func(s *Seller) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxTerms caps how many agents' terms are kept. The oldest are evicted.
func WithMaxTerms(n int) SellerOption {
	return func(s *Seller) {
		if n > 0 {
			s.maxTerms = n
		}
	}
}

// NewSeller creates a seller. A zero floor defaults to half the listed price.
func NewSeller(listed, floor decimal.Decimal, currency, payTo string, opts ...SellerOption) *Seller {
	if floor.IsZero() {
		floor = listed.Mul(DefaultFloorFraction)
	}
	s := &Seller{
		listed:   listed,
		floor:    floor,
		currency: currency,
		payTo:    payTo,
		terms:    make(map[string]agreedTerms),
		ttl:      DefaultTermsTTL,
		maxTerms: DefaultMaxTerms,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// remember stores terms for agentID. Caller holds s.mu.
func (s *Seller) remember(agentID string, price decimal.Decimal) {
	if agentID == "" {
		return
	}
	now := s.now()
	for id, t := range s.terms {
		if now.Sub(t.at) > s.ttl {
			delete(s.terms, id)
		}
	}
	if _, exists := s.terms[agentID]; !exists {
		for len(s.terms) >= s.maxTerms {
			oldest := ""
			var oldestAt time.Time
			for id, t := range s.terms {
				if oldest == "" || t.at.Before(oldestAt) {
					oldest, oldestAt = id, t.at
				}
			}
			delete(s.terms, oldest)
		}
	}
	s.terms[agentID] = agreedTerms{price: price, at: now}
}

func (s *Seller) Listed() decimal.Decimal { return s.listed }
func (s *Seller) Floor() decimal.Decimal  { return s.floor }

// Handle evaluates one offer and records its outcome.
func (s *Seller) Handle(offer Offer) (Decision, error) {
	if !offer.OfferedPrice.IsPositive() {
		return Decision{}, ErrInvalidOffer
	}
	result := Evaluate(offer.OfferedPrice, s.listed, s.floor)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++

	if result.Accepted {
		s.accepted++
		s.remember(offer.AgentID, result.FinalPrice)
		price := result.FinalPrice
		return Decision{
			Status:     StatusAccepted,
			FinalPrice: &price,
			Currency:   s.currency,
			PayTo:      s.payTo,
			Message:    result.Message,
			Next:       fmt.Sprintf("POST /run with payment of %s %s", price, s.currency),
		}, nil
	}

	s.rejected++
	// the floor is always acceptable, so the counter is a standing offer
	s.remember(offer.AgentID, result.CounterOffer)
	counter := result.CounterOffer
	return Decision{
		Status:       StatusCounterOffer,
		CounterOffer: &counter,
		Currency:     s.currency,
		PayTo:        s.payTo,
		Message:      result.Message,
		Next:         fmt.Sprintf("Send PATCH /negotiate with offeredPrice >= %s", counter),
	}, nil
}

// PriceFor returns the terms last agreed with agentID, if they have not
// expired.
func (s *Seller) PriceFor(agentID string) (decimal.Decimal, bool) {
	if agentID == "" {
		return decimal.Zero, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terms[agentID]
	if !ok {
		return decimal.Zero, false
	}
	if s.now().Sub(t.at) > s.ttl {
		delete(s.terms, agentID)
		return decimal.Zero, false
	}
	return t.price, true
}

func (s *Seller) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate := "N/A"
	if s.total > 0 {
		rate = decimal.NewFromInt(int64(s.accepted)).
			Div(decimal.NewFromInt(int64(s.total))).
			Mul(decimal.NewFromInt(100)).
			StringFixed(1) + "%"
	}
	return Stats{
		TotalNegotiations: s.total,
		AcceptedOffers:    s.accepted,
		RejectedOffers:    s.rejected,
		AcceptanceRate:    rate,
	}
}
