package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// X402ResourceServer builds payment requirements for protected resources and
// routes verify/settle calls to the facilitator that supports them.
type X402ResourceServer struct {
	mu                    sync.RWMutex
	schemes               map[Network]map[string]SchemeNetworkServer
	facilitatorClients    []FacilitatorClient
	supportedCache        *SupportedCache
	facilitatorClientsMap map[Network]map[string]FacilitatorClient
}

// SupportedCache caches facilitator capabilities
type SupportedCache struct {
	mu     sync.RWMutex
	data   map[string]SupportedResponse // key is facilitator identifier
	expiry map[string]time.Time
	ttl    time.Duration
}

// Set stores a facilitator's supported response
func (c *SupportedCache) Set(key string, response SupportedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
}

// ResourceServerOption configures the server
type ResourceServerOption func(*X402ResourceServer)

// WithFacilitatorClient adds a facilitator client
func WithFacilitatorClient(client FacilitatorClient) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.facilitatorClients = append(s.facilitatorClients, client)
	}
}

// WithSchemeServer registers a scheme server implementation
func WithSchemeServer(network Network, schemeServer SchemeNetworkServer) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.registerScheme(network, schemeServer)
	}
}

// WithCacheTTL sets the cache TTL for supported kinds
func WithCacheTTL(ttl time.Duration) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.supportedCache.ttl = ttl
	}
}

func Newx402ResourceServer(opts ...ResourceServerOption) *X402ResourceServer {
	s := &X402ResourceServer{
		schemes:            make(map[Network]map[string]SchemeNetworkServer),
		facilitatorClients: []FacilitatorClient{},
		supportedCache: &SupportedCache{
			data:   make(map[string]SupportedResponse),
			expiry: make(map[string]time.Time),
			ttl:    5 * time.Minute,
		},
		facilitatorClientsMap: make(map[Network]map[string]FacilitatorClient),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Initialize fetches supported payment kinds from all facilitators.
// Must be called on startup, before BuildPaymentRequirements.
func (s *X402ResourceServer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.facilitatorClientsMap = make(map[Network]map[string]FacilitatorClient)

	var lastErr error
	successCount := 0

	// earlier facilitators take precedence
	for i, client := range s.facilitatorClients {
		supported, err := client.GetSupported(ctx)
		if err != nil {
			lastErr = fmt.Errorf("facilitator %d: %w", i, err)
			continue
		}

		s.supportedCache.Set(fmt.Sprintf("facilitator_%d", i), supported)
		successCount++

		for _, kind := range supported.Kinds {
			if kind.X402Version != ProtocolVersion {
				continue
			}
			if s.facilitatorClientsMap[kind.Network] == nil {
				s.facilitatorClientsMap[kind.Network] = make(map[string]FacilitatorClient)
			}
			if _, exists := s.facilitatorClientsMap[kind.Network][kind.Scheme]; !exists {
				s.facilitatorClientsMap[kind.Network][kind.Scheme] = client
			}
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to initialize any facilitators: %w", lastErr)
	}

	return nil
}

func (s *X402ResourceServer) Register(network Network, schemeServer SchemeNetworkServer) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerScheme(network, schemeServer)
}

func (s *X402ResourceServer) registerScheme(network Network, schemeServer SchemeNetworkServer) *X402ResourceServer {
	if s.schemes[network] == nil {
		s.schemes[network] = make(map[string]SchemeNetworkServer)
	}
	s.schemes[network][schemeServer.Scheme()] = schemeServer
	return s
}

// BuildPaymentRequirements creates payment requirements for a resource
func (s *X402ResourceServer) BuildPaymentRequirements(ctx context.Context, config ResourceConfig) ([]PaymentRequirements, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if config.Scheme == "" {
		config.Scheme = SchemeExact
	}

	schemes := findSchemesByNetwork(s.schemes, config.Network)
	var schemeServer SchemeNetworkServer
	if schemes != nil {
		schemeServer = schemes[config.Scheme]
	}
	if schemeServer == nil {
		return nil, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no server registered for scheme %s on network %s", config.Scheme, config.Network),
		}
	}

	supportedKind := s.findSupportedKind(config.Network, config.Scheme)
	if supportedKind == nil {
		return nil, &PaymentError{
			Code:    ErrCodeUnsupportedNetwork,
			Message: fmt.Sprintf("facilitator does not support %s on %s", config.Scheme, config.Network),
			Details: map[string]interface{}{
				"hint": "call Initialize() to fetch supported kinds from facilitators",
			},
		}
	}

	assetAmount, err := schemeServer.ParsePrice(config.Price, config.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}

	baseRequirements := PaymentRequirements{
		Scheme:            config.Scheme,
		Network:           config.Network,
		Asset:             assetAmount.Asset,
		Amount:            assetAmount.Amount,
		PayTo:             config.PayTo,
		MaxTimeoutSeconds: config.MaxTimeoutSeconds,
		Extra:             assetAmount.Extra,
	}
	if config.Description != "" {
		if baseRequirements.Extra == nil {
			baseRequirements.Extra = map[string]interface{}{}
		}
		baseRequirements.Extra["description"] = config.Description
	}

	if baseRequirements.MaxTimeoutSeconds == 0 {
		baseRequirements.MaxTimeoutSeconds = 300
	}

	s.supportedCache.mu.RLock()
	extensions := s.facilitatorExtensionsLocked()
	s.supportedCache.mu.RUnlock()

	enhanced, err := schemeServer.EnhancePaymentRequirements(ctx, baseRequirements, *supportedKind, extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to enhance payment requirements: %w", err)
	}

	return []PaymentRequirements{enhanced}, nil
}

// CreatePaymentRequiredResponse creates a 402 response
func (s *X402ResourceServer) CreatePaymentRequiredResponse(
	requirements []PaymentRequirements,
	info ResourceInfo,
	errorMsg string,
) PaymentRequired {
	response := PaymentRequired{
		X402Version: ProtocolVersion,
		Error:       errorMsg,
		Resource:    &info,
		Accepts:     requirements,
	}

	if errorMsg == "" {
		response.Error = "Payment required"
	}

	return response
}

// FindMatchingRequirements returns the requirement the payload was built
// against. A payload that names no accepted requirement matches the first
// available one, for clients that only send the transaction.
func (s *X402ResourceServer) FindMatchingRequirements(available []PaymentRequirements, payload PaymentPayload) *PaymentRequirements {
	if len(available) == 0 {
		return nil
	}
	accepted := payload.Accepted
	if accepted.Scheme == "" && accepted.Network == "" && accepted.PayTo == "" {
		return &available[0]
	}
	for i := range available {
		req := available[i]
		if accepted.Scheme != "" && accepted.Scheme != req.Scheme {
			continue
		}
		if accepted.Network != "" && !accepted.Network.Match(req.Network) {
			continue
		}
		if accepted.PayTo != "" && accepted.PayTo != req.PayTo {
			continue
		}
		if accepted.Amount != "" && accepted.Amount != req.Amount {
			continue
		}
		return &req
	}
	return nil
}

// VerifyPayment verifies a payment against requirements via the matching facilitator
func (s *X402ResourceServer) VerifyPayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	client, payloadBytes, requirementsBytes, err := s.route(payload, requirements)
	if err != nil {
		return &VerifyResponse{IsValid: false, InvalidReason: err.Error()}, err
	}
	return client.Verify(ctx, payloadBytes, requirementsBytes)
}

// SettlePayment settles a verified payment via the matching facilitator
func (s *X402ResourceServer) SettlePayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	client, payloadBytes, requirementsBytes, err := s.route(payload, requirements)
	if err != nil {
		return &SettleResponse{Success: false, ErrorReason: err.Error(), Network: requirements.Network}, err
	}
	return client.Settle(ctx, payloadBytes, requirementsBytes)
}

func (s *X402ResourceServer) route(payload PaymentPayload, requirements PaymentRequirements) (FacilitatorClient, []byte, []byte, error) {
	client := s.findFacilitatorForPayment(requirements.Network, requirements.Scheme)
	if client == nil {
		return nil, nil, nil, &PaymentError{
			Code:    ErrCodeUnsupportedNetwork,
			Message: fmt.Sprintf("no facilitator for %s on %s", requirements.Scheme, requirements.Network),
		}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal payment requirements: %w", err)
	}
	return client, payloadBytes, requirementsBytes, nil
}

func (s *X402ResourceServer) findFacilitatorForPayment(network Network, scheme string) FacilitatorClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schemes := findSchemesByNetwork(s.facilitatorClientsMap, network)
	if schemes == nil {
		return nil
	}
	return schemes[scheme]
}

func (s *X402ResourceServer) findSupportedKind(network Network, scheme string) *SupportedKind {
	s.supportedCache.mu.RLock()
	defer s.supportedCache.mu.RUnlock()

	for key, supported := range s.supportedCache.data {
		if expiry, exists := s.supportedCache.expiry[key]; exists && time.Now().After(expiry) {
			continue
		}
		for _, kind := range supported.Kinds {
			if kind.X402Version == ProtocolVersion &&
				kind.Scheme == scheme &&
				kind.Network.Match(network) {
				found := kind
				return &found
			}
		}
	}
	return nil
}

func (s *X402ResourceServer) facilitatorExtensionsLocked() []string {
	seen := map[string]bool{}
	extensions := []string{}
	for _, supported := range s.supportedCache.data {
		for _, ext := range supported.Extensions {
			if !seen[ext] {
				seen[ext] = true
				extensions = append(extensions, ext)
			}
		}
	}
	return extensions
}
