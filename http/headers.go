package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	x402 "github.com/stackspay/stackspay"
)

// Header names. Lookups through net/http are case-insensitive.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderXPayment         = "X-PAYMENT"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// PaymentHeader returns the payment proof from either accepted header.
func PaymentHeader(h http.Header) string {
	if v := h.Get(HeaderPaymentSignature); v != "" {
		return v
	}
	return h.Get(HeaderXPayment)
}

func encodeBase64JSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeBase64JSON(header string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// EncodePaymentSignatureHeader encodes a payment payload as base64 JSON
func EncodePaymentSignatureHeader(payload x402.PaymentPayload) (string, error) {
	return encodeBase64JSON(payload)
}

// EncodePaymentRequiredHeader encodes a 402 challenge as base64 JSON
func EncodePaymentRequiredHeader(required x402.PaymentRequired) (string, error) {
	return encodeBase64JSON(required)
}

// DecodePaymentRequiredHeader decodes a base64 payment required header
func DecodePaymentRequiredHeader(header string) (x402.PaymentRequired, error) {
	var required x402.PaymentRequired
	if err := decodeBase64JSON(header, &required); err != nil {
		return x402.PaymentRequired{}, fmt.Errorf("payment required header: %w", err)
	}
	return required, nil
}

// EncodePaymentResponseHeader encodes a settlement receipt as base64 JSON
func EncodePaymentResponseHeader(response x402.SettleResponse) (string, error) {
	return encodeBase64JSON(response)
}

// DecodePaymentResponseHeader decodes a base64 payment response header
func DecodePaymentResponseHeader(header string) (x402.SettleResponse, error) {
	var response x402.SettleResponse
	if err := decodeBase64JSON(header, &response); err != nil {
		return x402.SettleResponse{}, fmt.Errorf("payment response header: %w", err)
	}
	return response, nil
}
