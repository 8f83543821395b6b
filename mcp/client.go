package mcp

import (
	"context"
	"fmt"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
)

// ToolCaller performs a raw tools/call. params holds "name", "arguments"
// and optionally "_meta".
type ToolCaller interface {
	CallTool(ctx context.Context, params map[string]interface{}) (ToolResult, error)
}

// X402MCPClient calls tools and pays their challenges.
type X402MCPClient struct {
	caller   ToolCaller
	creator  x402http.PaymentCreator
	selector x402http.RequirementsSelector
	options  Options
}

func NewX402MCPClient(caller ToolCaller, creator x402http.PaymentCreator, options Options) *X402MCPClient {
	return &X402MCPClient{
		caller:   caller,
		creator:  creator,
		selector: x402http.SelectFirst,
		options:  options,
	}
}

// WithSelector overrides which advertised requirement gets paid.
func (c *X402MCPClient) WithSelector(selector x402http.RequirementsSelector) *X402MCPClient {
	c.selector = selector
	return c
}

// CallTool calls name, paying once if the tool answers with a challenge.
func (c *X402MCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	result, err := c.caller.CallTool(ctx, map[string]interface{}{"name": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}

	paymentRequired := ExtractPaymentRequiredFromResult(result)
	if paymentRequired == nil {
		settle, err := ExtractPaymentResponseFromMeta(result)
		if err != nil {
			return nil, fmt.Errorf("failed to extract payment response: %w", err)
		}
		return &ToolCallResult{
			Content:         result.Content,
			IsError:         result.IsError,
			PaymentResponse: settle,
			PaymentMade:     settle != nil,
		}, nil
	}

	if !c.options.autoPayment() {
		return nil, newPaymentRequiredError("Payment required", paymentRequired)
	}
	if c.options.OnPaymentRequested != nil {
		approved, err := c.options.OnPaymentRequested(PaymentRequiredContext{
			ToolName:        name,
			Arguments:       args,
			PaymentRequired: *paymentRequired,
		})
		if err != nil {
			return nil, fmt.Errorf("payment request hook error: %w", err)
		}
		if !approved {
			return nil, newPaymentRequiredError("Payment request denied", paymentRequired)
		}
	}

	selected, err := c.selector(paymentRequired.Accepts)
	if err != nil {
		return nil, fmt.Errorf("failed to select payment requirement: %w", err)
	}
	payload, err := c.creator.CreatePaymentPayload(ctx, selected)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment payload: %w", err)
	}
	payload.Resource = paymentRequired.Resource
	return c.CallToolWithPayment(ctx, name, args, payload)
}

// CallToolWithPayment calls name with an explicit payment payload.
func (c *X402MCPClient) CallToolWithPayment(ctx context.Context, name string, args map[string]interface{}, payload x402.PaymentPayload) (*ToolCallResult, error) {
	result, err := c.caller.CallTool(ctx, map[string]interface{}{
		"name":      name,
		"arguments": args,
		"_meta":     AttachPaymentToMeta(nil, payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool with payment: %w", err)
	}
	if pr := ExtractPaymentRequiredFromResult(result); pr != nil {
		return nil, newPaymentRequiredError("Payment rejected: "+pr.Error, pr)
	}
	settle, err := ExtractPaymentResponseFromMeta(result)
	if err != nil {
		return nil, fmt.Errorf("failed to extract payment response: %w", err)
	}
	return &ToolCallResult{
		Content:         result.Content,
		IsError:         result.IsError,
		PaymentResponse: settle,
		PaymentMade:     true,
	}, nil
}
