package http

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func encodeMap(m map[string]interface{}) string {
	jsonBytes, _ := json.Marshal(m)
	return base64.StdEncoding.EncodeToString(jsonBytes)
}

func TestValidateAndDecodePaymentHeader(t *testing.T) {
	t.Run("Empty/Invalid Base64", func(t *testing.T) {
		tests := []struct {
			name          string
			header        string
			expectedError string
		}{
			{name: "empty string", header: "", expectedError: "payment header is empty"},
			{name: "invalid base64 characters", header: "invalid@#$%", expectedError: "invalid payment header format: not valid base64"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ValidateAndDecodePaymentHeader(tt.header)
				if err == nil {
					t.Errorf("expected error but got none")
					return
				}
				if err.Error() != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, err.Error())
				}
			})
		}
	})

	t.Run("Valid Base64 but Invalid JSON", func(t *testing.T) {
		for _, content := range []string{"not json at all", "{invalid json}"} {
			encoded := base64.StdEncoding.EncodeToString([]byte(content))
			_, err := ValidateAndDecodePaymentHeader(encoded)
			if err == nil || !strings.HasPrefix(err.Error(), "invalid payment header format: not valid JSON") {
				t.Errorf("expected JSON error for %q, got %v", content, err)
			}
		}
	})

	t.Run("Field Errors", func(t *testing.T) {
		tests := []struct {
			name          string
			payload       map[string]interface{}
			expectedError string
		}{
			{
				name:          "missing x402Version",
				payload:       map[string]interface{}{"payload": map[string]interface{}{}},
				expectedError: "missing required field: x402Version",
			},
			{
				name:          "x402Version as string",
				payload:       map[string]interface{}{"x402Version": "2", "payload": map[string]interface{}{}},
				expectedError: "invalid field type: x402Version must be a number",
			},
			{
				name:          "x402Version zero",
				payload:       map[string]interface{}{"x402Version": 0, "payload": map[string]interface{}{}},
				expectedError: "invalid value: x402Version must be at least 1",
			},
			{
				name:          "missing payload",
				payload:       map[string]interface{}{"x402Version": 2},
				expectedError: "missing required field: payload",
			},
			{
				name:          "payload as string",
				payload:       map[string]interface{}{"x402Version": 2, "payload": "0x00"},
				expectedError: "invalid field type: payload must be an object",
			},
			{
				name: "accepted as array",
				payload: map[string]interface{}{
					"x402Version": 2, "payload": map[string]interface{}{}, "accepted": []interface{}{},
				},
				expectedError: "invalid field type: accepted must be an object",
			},
			{
				name: "resource as string",
				payload: map[string]interface{}{
					"x402Version": 2, "payload": map[string]interface{}{}, "resource": "nope",
				},
				expectedError: "invalid field type: resource must be an object",
			},
			{
				name: "resource.url as number",
				payload: map[string]interface{}{
					"x402Version": 2, "payload": map[string]interface{}{}, "resource": map[string]interface{}{"url": 1},
				},
				expectedError: "invalid field type: resource.url must be a string",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ValidateAndDecodePaymentHeader(encodeMap(tt.payload))
				if err == nil {
					t.Errorf("expected error but got none")
					return
				}
				if err.Error() != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, err.Error())
				}
			})
		}
	})

	t.Run("Transaction Only Payload", func(t *testing.T) {
		decoded, err := ValidateAndDecodePaymentHeader(encodeMap(map[string]interface{}{
			"x402Version": 2,
			"payload":     map[string]interface{}{"transaction": "0x8080"},
		}))
		if err != nil {
			t.Fatalf("expected no error but got: %v", err)
		}
		if decoded.Payload["transaction"] != "0x8080" {
			t.Errorf("expected transaction passthrough, got %v", decoded.Payload)
		}
	})

	t.Run("Full Payload", func(t *testing.T) {
		decoded, err := ValidateAndDecodePaymentHeader(encodeMap(map[string]interface{}{
			"x402Version": 2,
			"resource":    map[string]interface{}{"url": "http://localhost:3000/run"},
			"accepted": map[string]interface{}{
				"scheme":  "exact",
				"network": "stacks:2147483648",
				"asset":   "STX",
				"amount":  "1000",
				"payTo":   "ST000000000000000000002AMW42H",
			},
			"payload": map[string]interface{}{"transaction": "00"},
		}))
		if err != nil {
			t.Fatalf("expected no error but got: %v", err)
		}
		if decoded.Resource.URL != "http://localhost:3000/run" {
			t.Errorf("expected resource url, got %s", decoded.Resource.URL)
		}
		if decoded.Accepted.Amount != "1000" {
			t.Errorf("expected accepted amount 1000, got %s", decoded.Accepted.Amount)
		}
	})
}
