// Package mcp puts x402 payments in front of MCP (Model Context Protocol)
// tools and pays for them from MCP clients.
//
// The payment payload travels in the tool call's _meta["x402/payment"] and
// the settlement receipt comes back in the result's
// _meta["x402/payment-response"]. An unpaid call returns an error result
// whose structured content is the 402 challenge.
//
// # Server
//
//	gate := x402http.NewGate(resourceServer, x402http.StaticPrice(accepts))
//	wrapper := mcp.NewPaymentWrapper(gate, mcp.PaymentWrapperConfig{})
//	mcpsdk.AddTool(...) // or:
//	server.AddTool(tool, wrapper.SDKHandler(handler))
//
// Payments are verified and settled before the handler runs, exactly like
// the HTTP routes.
//
// # Client
//
//	session, _ := mcpClient.Connect(ctx, transport, nil)
//	paid := mcp.NewX402MCPClient(mcp.NewSessionAdapter(session), stacksClientScheme, mcp.Options{})
//	result, err := paid.CallTool(ctx, "run", map[string]interface{}{"input": "hello"})
package mcp
