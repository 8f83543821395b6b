package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// X402Facilitator manages payment verification and settlement for the
// registered scheme mechanisms. It implements FacilitatorClient so a
// payment gate can use it in-process.
type X402Facilitator struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeNetworkFacilitator
	extras  map[Network]map[string]interface{}

	extensions     []string
	defaultNetwork Network

	settlementCache *SettlementCache

	// Lifecycle hooks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// FacilitatorOption configures the facilitator
type FacilitatorOption func(*X402Facilitator)

// WithDefaultNetwork sets the network used when neither the requirements nor
// the payload name one.
func WithDefaultNetwork(network Network) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.defaultNetwork = network
	}
}

// WithSettlementCache makes Settle idempotent per payload.
func WithSettlementCache(cache *SettlementCache) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.settlementCache = cache
	}
}

func Newx402Facilitator(opts ...FacilitatorOption) *X402Facilitator {
	f := &X402Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extras:     make(map[Network]map[string]interface{}),
		extensions: []string{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers a facilitator mechanism for a network
func (f *X402Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator, extra ...interface{}) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	f.schemes[network][facilitator.Scheme()] = facilitator

	if len(extra) > 0 {
		if f.extras[network] == nil {
			f.extras[network] = make(map[string]interface{})
		}
		f.extras[network][facilitator.Scheme()] = extra[0]
	}
	return f
}

// RegisterExtension registers a protocol extension
func (f *X402Facilitator) RegisterExtension(extension string) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}

	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *X402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *X402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods (Network Boundary - uses bytes)
// ============================================================================

// Verify verifies a payment. Protocol errors in the payload are reported as
// an invalid response, not as a Go error.
func (f *X402Facilitator) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*VerifyResponse, error) {
	payload, requirements, reason := f.decode(payloadBytes, requirementsBytes)
	if reason != "" {
		return &VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}

	f.mu.RLock()
	beforeHooks := f.beforeVerifyHooks
	afterHooks := f.afterVerifyHooks
	failureHooks := f.onVerifyFailureHooks
	f.mu.RUnlock()

	hookCtx := FacilitatorVerifyContext{
		Ctx:                 ctx,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
		Timestamp:           time.Now(),
	}
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return &VerifyResponse{IsValid: false, InvalidReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return &VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	start := time.Now()
	verifyResult, verifyErr := f.verify(ctx, *payload, *requirements)

	if verifyErr != nil {
		failureCtx := FacilitatorVerifyFailureContext{
			FacilitatorVerifyContext: hookCtx,
			Error:                    verifyErr,
			Duration:                 time.Since(start),
		}
		for _, hook := range failureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return verifyResult, verifyErr
	}

	resultCtx := FacilitatorVerifyResultContext{
		FacilitatorVerifyContext: hookCtx,
		Result:                   *verifyResult,
		Duration:                 time.Since(start),
	}
	for _, hook := range afterHooks {
		_ = hook(resultCtx)
	}

	return verifyResult, nil
}

// Settle settles a payment. When a settlement cache is configured, a payload
// that already settled returns the cached receipt instead of broadcasting again.
func (f *X402Facilitator) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*SettleResponse, error) {
	payload, requirements, reason := f.decode(payloadBytes, requirementsBytes)
	if reason != "" {
		return &SettleResponse{Success: false, ErrorReason: reason, Network: f.defaultNetwork}, nil
	}

	if f.settlementCache == nil {
		return f.settleWithHooks(ctx, *payload, *requirements)
	}

	key := GenerateSettlementKey(payloadBytes)
	status, cached, done := f.settlementCache.CheckAndMark(key)
	switch status {
	case StatusCached:
		return cached, nil
	case StatusInFlight:
		result, err := f.settlementCache.WaitForResult(ctx, key, done)
		if err != nil {
			return &SettleResponse{Success: false, ErrorReason: err.Error(), Network: requirements.Network}, err
		}
		if result != nil {
			return result, nil
		}
		// the in-flight attempt failed, try again ourselves
		return f.Settle(ctx, payloadBytes, requirementsBytes)
	}

	result, err := f.settleWithHooks(ctx, *payload, *requirements)
	if err == nil && result != nil && result.Success {
		f.settlementCache.Complete(key, result, done)
	} else {
		f.settlementCache.Fail(key, done)
	}
	return result, err
}

func (f *X402Facilitator) settleWithHooks(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	f.mu.RLock()
	beforeHooks := f.beforeSettleHooks
	afterHooks := f.afterSettleHooks
	failureHooks := f.onSettleFailureHooks
	f.mu.RUnlock()

	hookCtx := FacilitatorSettleContext{
		Ctx:                 ctx,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Timestamp:           time.Now(),
	}
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return &SettleResponse{Success: false, ErrorReason: err.Error(), Network: requirements.Network}, err
		}
		if result != nil && result.Abort {
			return &SettleResponse{Success: false, ErrorReason: result.Reason, Network: requirements.Network}, nil
		}
	}

	start := time.Now()
	settleResult, settleErr := f.settle(ctx, payload, requirements)

	if settleErr != nil {
		failureCtx := FacilitatorSettleFailureContext{
			FacilitatorSettleContext: hookCtx,
			Error:                    settleErr,
			Duration:                 time.Since(start),
		}
		for _, hook := range failureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return settleResult, settleErr
	}

	resultCtx := FacilitatorSettleResultContext{
		FacilitatorSettleContext: hookCtx,
		Result:                   *settleResult,
		Duration:                 time.Since(start),
	}
	for _, hook := range afterHooks {
		_ = hook(resultCtx)
	}

	return settleResult, nil
}

// GetSupported returns supported payment kinds, ordered by network then scheme
func (f *X402Facilitator) GetSupported(_ context.Context) (SupportedResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	for network, schemeMap := range f.schemes {
		for scheme, facilitator := range schemeMap {
			kind := SupportedKind{
				X402Version: ProtocolVersion,
				Scheme:      scheme,
				Network:     network,
				Extra:       facilitator.GetExtra(network),
			}
			if extra := f.extras[network][scheme]; extra != nil {
				if extraMap, ok := extra.(map[string]interface{}); ok {
					kind.Extra = extraMap
				}
			}
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})

	extensions := make([]string, len(f.extensions))
	copy(extensions, f.extensions)

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: extensions,
	}, nil
}

// ============================================================================
// Internal Typed Methods
// ============================================================================

// decode parses both documents and fills routing fields the requirements
// omit from the payload's accepted requirements. A non-empty reason means
// the request is malformed.
func (f *X402Facilitator) decode(payloadBytes, requirementsBytes []byte) (*PaymentPayload, *PaymentRequirements, string) {
	version, err := DetectVersion(payloadBytes)
	if err != nil {
		return nil, nil, "invalid_payload"
	}
	if version != ProtocolVersion {
		return nil, nil, fmt.Sprintf("unsupported version: %d", version)
	}

	payload, err := ToPaymentPayload(payloadBytes)
	if err != nil {
		return nil, nil, "invalid_payload"
	}

	requirements := &PaymentRequirements{}
	if len(requirementsBytes) > 0 {
		requirements, err = ToPaymentRequirements(requirementsBytes)
		if err != nil {
			return nil, nil, "invalid_payment_requirements"
		}
	}

	if requirements.Scheme == "" {
		requirements.Scheme = payload.Accepted.Scheme
	}
	if requirements.Scheme == "" {
		requirements.Scheme = SchemeExact
	}
	if requirements.Network == "" {
		requirements.Network = payload.Accepted.Network
	}
	if requirements.Network == "" {
		requirements.Network = f.defaultNetwork
	}

	return payload, requirements, ""
}

func (f *X402Facilitator) lookup(requirements PaymentRequirements) (SchemeNetworkFacilitator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	schemes := findSchemesByNetwork(f.schemes, requirements.Network)
	if schemes == nil {
		return nil, NewPaymentError(ErrCodeUnsupportedNetwork, fmt.Sprintf("no facilitator for network %s", requirements.Network), nil)
	}

	facilitator := schemes[requirements.Scheme]
	if facilitator == nil {
		return nil, NewPaymentError(ErrCodeUnsupportedScheme, fmt.Sprintf("no facilitator for %s on %s", requirements.Scheme, requirements.Network), nil)
	}
	return facilitator, nil
}

func (f *X402Facilitator) verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	facilitator, err := f.lookup(requirements)
	if err != nil {
		return &VerifyResponse{IsValid: false, InvalidReason: err.(*PaymentError).Code}, err
	}
	return facilitator.Verify(ctx, payload, requirements)
}

func (f *X402Facilitator) settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	facilitator, err := f.lookup(requirements)
	if err != nil {
		return &SettleResponse{Success: false, ErrorReason: err.(*PaymentError).Code, Network: requirements.Network}, err
	}
	return facilitator.Settle(ctx, payload, requirements)
}
