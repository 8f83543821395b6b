package mcp

import (
	"context"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stackspay/stackspay/service"
)

// CommandTool describes a shell command exposed as a paid tool.
type CommandTool struct {
	Name        string
	Description string
	Command     string
	Timeout     time.Duration
}

// AddCommandTool registers tool on server. The tool takes {"input": string},
// fed to the command's stdin, and returns its stdout.
func AddCommandTool(server *mcpsdk.Server, wrapper *PaymentWrapper, tool CommandTool) {
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = service.DefaultTimeout
	}
	run := service.CommandAction(tool.Command, timeout)

	server.AddTool(&mcpsdk.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"input": map[string]interface{}{"type": "string", "description": "Passed to the command on stdin"},
			},
		},
	}, wrapper.SDKHandler(func(ctx context.Context, args map[string]interface{}, _ ToolContext) (ToolResult, error) {
		input, _ := args["input"].(string)
		output, err := run(ctx, []byte(input))
		if err != nil {
			return ToolResult{}, err
		}
		return TextResult(output), nil
	}))
}

// NewSSEHandler serves server over the SSE transport.
func NewSSEHandler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil)
}
