package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	x402 "github.com/stackspay/stackspay"
)

// ExtractPaymentFromMeta returns the payment payload in meta, or nil when
// there is none or it is malformed.
func ExtractPaymentFromMeta(meta map[string]interface{}) *x402.PaymentPayload {
	paymentData, ok := meta[PaymentMetaKey]
	if !ok || paymentData == nil {
		return nil
	}
	paymentBytes, err := json.Marshal(paymentData)
	if err != nil {
		return nil
	}
	var payload x402.PaymentPayload
	if err := json.Unmarshal(paymentBytes, &payload); err != nil {
		return nil
	}
	if payload.X402Version == 0 || payload.Payload == nil {
		return nil
	}
	return &payload
}

// AttachPaymentToMeta copies meta and adds the payment payload.
func AttachPaymentToMeta(meta map[string]interface{}, payload x402.PaymentPayload) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[PaymentMetaKey] = payload
	return out
}

// ExtractPaymentResponseFromMeta returns the settlement in a result's _meta.
func ExtractPaymentResponseFromMeta(result ToolResult) (*x402.SettleResponse, error) {
	responseData, ok := result.Meta[PaymentResponseMetaKey]
	if !ok {
		return nil, nil
	}
	if settleResp, ok := responseData.(x402.SettleResponse); ok {
		return &settleResp, nil
	}
	responseBytes, err := json.Marshal(responseData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}
	var response x402.SettleResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response: %w", err)
	}
	return &response, nil
}

// ExtractPaymentRequiredFromResult reads a challenge from an error result,
// preferring structuredContent over the text fallback.
func ExtractPaymentRequiredFromResult(result ToolResult) *x402.PaymentRequired {
	if !result.IsError {
		return nil
	}
	if result.StructuredContent != nil {
		if pr := paymentRequiredFromObject(result.StructuredContent); pr != nil {
			return pr
		}
	}
	if len(result.Content) > 0 && result.Content[0].Type == "text" {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(result.Content[0].Text), &parsed); err == nil {
			return paymentRequiredFromObject(parsed)
		}
	}
	return nil
}

func paymentRequiredFromObject(obj map[string]interface{}) *x402.PaymentRequired {
	if _, hasVersion := obj["x402Version"]; !hasVersion {
		return nil
	}
	accepts, ok := obj["accepts"].([]interface{})
	if !ok || len(accepts) == 0 {
		return nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	var pr x402.PaymentRequired
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil
	}
	return &pr
}

// CreateToolResourceURL names a tool as a resource.
func CreateToolResourceURL(toolName string, customURL string) string {
	if customURL != "" {
		return customURL
	}
	return "mcp://tool/" + toolName
}

// IsPaymentRequiredError reports whether err is a *PaymentRequiredError.
func IsPaymentRequiredError(err error) bool {
	var target *PaymentRequiredError
	return errors.As(err, &target)
}

func newPaymentRequiredError(message string, pr *x402.PaymentRequired) *PaymentRequiredError {
	return &PaymentRequiredError{Code: PaymentRequiredCode, Message: message, PaymentRequired: pr}
}
