package service

import (
	"context"

	"github.com/gin-gonic/gin"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
	"github.com/stackspay/stackspay/mechanisms/stacks"
	"github.com/stackspay/stackspay/negotiation"
)

type agentKey struct{}

// WithAgentID attaches the buyer's agent id to ctx.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentID returns the id set by WithAgentID.
func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentKey{}).(string)
	return id
}

func (s *Service) agentContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(negotiation.AgentIDHeader); id != "" {
			c.Request = c.Request.WithContext(WithAgentID(c.Request.Context(), id))
		}
		c.Next()
	}
}

// NegotiatedPrice charges an identified agent the terms it agreed on and
// everyone else the listed requirements.
func NegotiatedPrice(seller *negotiation.Seller, listed []x402.PaymentRequirements, token stacks.TokenInfo) x402http.PriceSource {
	return x402http.PriceFunc(func(ctx context.Context) ([]x402.PaymentRequirements, error) {
		price, ok := seller.PriceFor(AgentID(ctx))
		if !ok {
			return listed, nil
		}
		amount, err := stacks.ParseAmount(price.String(), token.Decimals)
		if err != nil {
			return nil, err
		}
		out := make([]x402.PaymentRequirements, len(listed))
		for i, req := range listed {
			req.Amount = amount
			out[i] = req
		}
		return out, nil
	})
}
