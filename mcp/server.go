package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
	"github.com/stackspay/stackspay/logger"
)

// ToolHandler is an SDK-independent tool implementation.
type ToolHandler func(ctx context.Context, args map[string]interface{}, toolContext ToolContext) (ToolResult, error)

// PaymentWrapperConfig describes the resource reported in challenges.
type PaymentWrapperConfig struct {
	Resource *x402.ResourceInfo
	Logger   logger.Logger
}

// PaymentWrapper gates tool handlers with an x402 gate.
type PaymentWrapper struct {
	gate   *x402http.Gate
	config PaymentWrapperConfig
	logger logger.Logger
}

func NewPaymentWrapper(gate *x402http.Gate, config PaymentWrapperConfig) *PaymentWrapper {
	return &PaymentWrapper{gate: gate, config: config, logger: logger.OrNoop(config.Logger)}
}

func (w *PaymentWrapper) resource(toolName string) x402.ResourceInfo {
	if w.config.Resource == nil {
		return x402.ResourceInfo{URL: CreateToolResourceURL(toolName, "")}
	}
	return x402.ResourceInfo{
		URL:         CreateToolResourceURL(toolName, w.config.Resource.URL),
		Description: w.config.Resource.Description,
		MimeType:    w.config.Resource.MimeType,
	}
}

// Wrap settles the call's payment and only then runs handler. A handler
// failure after settlement is returned as an error result that still
// carries the receipt.
func (w *PaymentWrapper) Wrap(handler ToolHandler) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}, toolContext ToolContext) (ToolResult, error) {
		toolName := toolContext.ToolName
		if toolName == "" {
			toolName = "paid_tool"
		}

		header := ""
		if payload := ExtractPaymentFromMeta(toolContext.Meta); payload != nil {
			encoded, err := x402http.EncodePaymentSignatureHeader(*payload)
			if err != nil {
				return ToolResult{}, fmt.Errorf("failed to encode payment payload: %w", err)
			}
			header = encoded
		}

		var out ToolResult
		result := w.gate.Process(ctx, x402http.GateRequest{
			PaymentHeader: header,
			Resource:      w.resource(toolName),
		}, func(actx context.Context, receipt x402http.Receipt) (int, interface{}) {
			var err error
			out, err = handler(actx, args, toolContext)
			if err != nil {
				w.logger.Error("paid tool failed after settlement", map[string]any{
					"tool": toolName, "txid": receipt.Transaction, "error": err.Error(),
				})
				out = ToolResult{IsError: true, Content: []ContentItem{{Type: "text", Text: err.Error()}}}
				return http.StatusInternalServerError, out
			}
			return http.StatusOK, out
		})
		if result.State.Rejected() {
			return challengeResult(result)
		}

		if out.Meta == nil {
			out.Meta = make(map[string]interface{})
		}
		out.Meta[PaymentResponseMetaKey] = *result.Settlement
		return out, nil
	}
}

// challengeResult renders a rejected gate result as an error tool result.
func challengeResult(result *x402http.GateResult) (ToolResult, error) {
	data, err := json.Marshal(result.Body)
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to marshal payment required: %w", err)
	}
	var structured map[string]interface{}
	if err := json.Unmarshal(data, &structured); err != nil {
		return ToolResult{}, fmt.Errorf("failed to unmarshal structured content: %w", err)
	}
	if result.State == x402http.StateRejectedSettlement {
		failure := map[string]interface{}{"success": false, "errorReason": structured["errorReason"], "transaction": ""}
		if result.Settlement != nil {
			failure["network"] = result.Settlement.Network
		}
		structured[PaymentResponseMetaKey] = failure
		data, _ = json.Marshal(structured)
	}
	return ToolResult{
		StructuredContent: structured,
		Content:           []ContentItem{{Type: "text", Text: string(data)}},
		IsError:           true,
	}, nil
}

// SDKHandler adapts a wrapped handler to the go-sdk server.
func (w *PaymentWrapper) SDKHandler(handler ToolHandler) mcpsdk.ToolHandler {
	wrapped := w.Wrap(handler)
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := make(map[string]interface{})
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				args = make(map[string]interface{})
			}
		}
		meta := make(map[string]interface{})
		if req.Params.Meta != nil {
			meta = req.Params.Meta.GetMeta()
		}

		result, err := wrapped(ctx, args, ToolContext{ToolName: req.Params.Name, Arguments: args, Meta: meta})
		if err != nil {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil
		}
		return toSDKResult(result), nil
	}
}

func toSDKResult(result ToolResult) *mcpsdk.CallToolResult {
	content := make([]mcpsdk.Content, len(result.Content))
	for i, item := range result.Content {
		content[i] = &mcpsdk.TextContent{Text: item.Text}
	}
	out := &mcpsdk.CallToolResult{Content: content, IsError: result.IsError}
	if result.StructuredContent != nil {
		out.StructuredContent = result.StructuredContent
	}
	if result.Meta != nil {
		out.Meta = mcpsdk.Meta(result.Meta)
	}
	return out
}
