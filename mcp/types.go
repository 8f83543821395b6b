package mcp

import (
	x402 "github.com/stackspay/stackspay"
)

const (
	// PaymentRequiredCode is the JSON-RPC error code for payment required
	PaymentRequiredCode = 402

	// PaymentMetaKey is the _meta key carrying the payment payload (client to server)
	PaymentMetaKey = "x402/payment"

	// PaymentResponseMetaKey is the _meta key carrying the settlement (server to client)
	PaymentResponseMetaKey = "x402/payment-response"
)

// ToolContext is what a tool handler sees of the call.
type ToolContext struct {
	ToolName  string
	Arguments map[string]interface{}
	Meta      map[string]interface{}
}

// ContentItem is one text content block.
type ContentItem struct {
	Type string
	Text string
}

// ToolResult is an SDK-independent tool result.
type ToolResult struct {
	Content           []ContentItem
	IsError           bool
	Meta              map[string]interface{}
	StructuredContent map[string]interface{}
}

// TextResult builds a successful single-text result.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ContentItem{{Type: "text", Text: text}}}
}

// ToolCallResult is what X402MCPClient.CallTool returns.
type ToolCallResult struct {
	Content         []ContentItem
	IsError         bool
	PaymentResponse *x402.SettleResponse
	PaymentMade     bool
}

// PaymentRequiredContext is passed to client hooks when a tool asks for payment.
type PaymentRequiredContext struct {
	ToolName        string
	Arguments       map[string]interface{}
	PaymentRequired x402.PaymentRequired
}

// Options configures X402MCPClient.
type Options struct {
	// AutoPayment pays challenges without asking. nil means true.
	AutoPayment *bool

	// OnPaymentRequested approves or denies a payment before it is created.
	OnPaymentRequested func(context PaymentRequiredContext) (bool, error)
}

// BoolPtr returns a pointer to b, for Options.AutoPayment.
func BoolPtr(b bool) *bool {
	return &b
}

func (o Options) autoPayment() bool {
	return o.AutoPayment == nil || *o.AutoPayment
}

// PaymentRequiredError is returned by the client when a challenge is not paid.
type PaymentRequiredError struct {
	Code            int
	Message         string
	PaymentRequired *x402.PaymentRequired
}

func (e *PaymentRequiredError) Error() string {
	return e.Message
}
