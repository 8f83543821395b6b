package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/stackspay/stackspay"
	"github.com/stackspay/stackspay/logger"
)

const facilitatorTokenIssuer = "stackspay"

// envelopeSchema describes the body of /verify and /settle.
const envelopeSchema = `{
  "type": "object",
  "required": ["paymentPayload"],
  "properties": {
    "x402Version": {"type": "integer", "minimum": 1},
    "paymentPayload": {
      "type": "object",
      "properties": {
        "x402Version": {"type": "integer"},
        "payload": {"type": "object"},
        "accepted": {"type": "object"}
      }
    },
    "paymentRequirements": {"type": ["object", "null"]}
  }
}`

var envelopeSchemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// FacilitatorServer exposes a facilitator over HTTP:
// GET /supported, POST /verify, POST /settle and GET /health.
type FacilitatorServer struct {
	facilitator    x402.FacilitatorClient
	logger         logger.Logger
	authSecret     []byte
	defaultNetwork x402.Network
	verifyTimeout  time.Duration
	settleTimeout  time.Duration
}

type FacilitatorServerOption func(*FacilitatorServer)

func WithServerLogger(l logger.Logger) FacilitatorServerOption {
	return func(s *FacilitatorServer) {
		s.logger = logger.OrNoop(l)
	}
}

// WithAuthSecret requires an HS256 bearer token on verify and settle.
func WithAuthSecret(secret string) FacilitatorServerOption {
	return func(s *FacilitatorServer) {
		s.authSecret = []byte(strings.TrimSpace(secret))
	}
}

// WithFailureNetwork sets the network reported by a settle that failed
// before a network could be determined.
func WithFailureNetwork(network x402.Network) FacilitatorServerOption {
	return func(s *FacilitatorServer) {
		s.defaultNetwork = network
	}
}

func NewFacilitatorServer(facilitator x402.FacilitatorClient, opts ...FacilitatorServerOption) *FacilitatorServer {
	s := &FacilitatorServer{
		facilitator:    facilitator,
		logger:         logger.NoopLogger{},
		defaultNetwork: "stacks:2147483648",
		verifyTimeout:  30 * time.Second,
		settleTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns a gin engine serving the facilitator routes.
func (s *FacilitatorServer) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Register(r)
	return r
}

// Register mounts the facilitator routes on r.
func (s *FacilitatorServer) Register(r gin.IRouter) {
	r.GET("/health", s.handleHealth)
	r.GET("/supported", s.handleSupported)

	protected := r.Group("/")
	if len(s.authSecret) > 0 {
		protected.Use(s.requireBearer)
	}
	protected.POST("/verify", s.handleVerify)
	protected.POST("/settle", s.handleSettle)
}

type envelope struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
}

func decodeEnvelope(body []byte) (*envelope, error) {
	result, err := gojsonschema.Validate(envelopeSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, fmt.Errorf("invalid request body: %s", strings.Join(msgs, "; "))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if string(env.PaymentRequirements) == "null" {
		env.PaymentRequirements = nil
	}
	return &env, nil
}

func (s *FacilitatorServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": x402.ProtocolVersion})
}

func (s *FacilitatorServer) handleSupported(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	supported, err := s.facilitator.GetSupported(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, supported)
}

func (s *FacilitatorServer) handleVerify(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.verifyTimeout)
	defer cancel()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.facilitator.Verify(ctx, env.PaymentPayload, env.PaymentRequirements)
	if err != nil {
		s.logger.Warn("verify error", map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, x402.VerifyResponse{IsValid: false, InvalidReason: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *FacilitatorServer) handleSettle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.settleTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("settle panic", map[string]any{"panic": fmt.Sprint(r)})
			s.settleFailure(c, fmt.Errorf("%v", r))
		}
	}()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.facilitator.Settle(ctx, env.PaymentPayload, env.PaymentRequirements)
	if err != nil {
		s.logger.Error("settle error", map[string]any{"error": err.Error()})
		s.settleFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *FacilitatorServer) settleFailure(c *gin.Context, err error) {
	reason := err.Error()
	var perr *x402.PaymentError
	if errors.As(err, &perr) {
		reason = perr.Code
	}
	c.JSON(http.StatusInternalServerError, x402.SettleResponse{
		Success:     false,
		ErrorReason: reason,
		Transaction: "",
		Network:     s.defaultNetwork,
	})
}

func (s *FacilitatorServer) requireBearer(c *gin.Context) {
	header := c.GetHeader("Authorization")
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || tokenString == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.authSecret, nil
	}, jwt.WithIssuer(facilitatorTokenIssuer), jwt.WithLeeway(30*time.Second))
	if err != nil {
		s.logger.Warn("facilitator auth failed", map[string]any{"error": err.Error()})
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}
