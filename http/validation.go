package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	x402 "github.com/stackspay/stackspay"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// ValidateAndDecodePaymentHeader validates and decodes a payment header string.
// accepted and resource are optional, since clients that only carry a signed
// transaction are matched against the first advertised requirement.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*x402.PaymentPayload, error) {
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	if !base64Regex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	var rawPayload map[string]interface{}
	if err := json.Unmarshal(decoded, &rawPayload); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	if _, exists := rawPayload["x402Version"]; !exists {
		return nil, fmt.Errorf("missing required field: x402Version")
	}
	if version, ok := rawPayload["x402Version"].(float64); !ok {
		return nil, fmt.Errorf("invalid field type: x402Version must be a number")
	} else if int(version) < 1 {
		return nil, fmt.Errorf("invalid value: x402Version must be at least 1")
	}

	if _, exists := rawPayload["payload"]; !exists {
		return nil, fmt.Errorf("missing required field: payload")
	}
	if _, ok := rawPayload["payload"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: payload must be an object")
	}

	if accepted, exists := rawPayload["accepted"]; exists && accepted != nil {
		if _, ok := accepted.(map[string]interface{}); !ok {
			return nil, fmt.Errorf("invalid field type: accepted must be an object")
		}
	}

	if resource, exists := rawPayload["resource"]; exists && resource != nil {
		resourceMap, ok := resource.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid field type: resource must be an object")
		}
		if url, exists := resourceMap["url"]; exists {
			if _, ok := url.(string); !ok {
				return nil, fmt.Errorf("invalid field type: resource.url must be a string")
			}
		}
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}

	return &payload, nil
}
