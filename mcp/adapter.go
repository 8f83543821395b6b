package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionAdapter exposes a connected go-sdk client session as a ToolCaller.
type SessionAdapter struct {
	session *mcpsdk.ClientSession
}

func NewSessionAdapter(session *mcpsdk.ClientSession) *SessionAdapter {
	return &SessionAdapter{session: session}
}

func (a *SessionAdapter) Close() error {
	return a.session.Close()
}

// ListTools returns the names of the server's tools.
func (a *SessionAdapter) ListTools(ctx context.Context) ([]string, error) {
	result, err := a.session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

func (a *SessionAdapter) CallTool(ctx context.Context, params map[string]interface{}) (ToolResult, error) {
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	meta, _ := params["_meta"].(map[string]interface{})

	callParams := &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	}
	if meta != nil {
		callParams.Meta = mcpsdk.Meta(meta)
	}

	result, err := a.session.CallTool(ctx, callParams)
	if err != nil {
		return ToolResult{}, err
	}

	content := make([]ContentItem, 0, len(result.Content))
	for _, item := range result.Content {
		if textContent, ok := item.(*mcpsdk.TextContent); ok {
			content = append(content, ContentItem{Type: "text", Text: textContent.Text})
		}
	}
	out := ToolResult{Content: content, IsError: result.IsError}

	// payment challenges ride in structured content
	if structured, ok := result.StructuredContent.(map[string]interface{}); ok {
		out.StructuredContent = structured
	}
	if result.Meta != nil {
		if metaMap := result.Meta.GetMeta(); len(metaMap) > 0 {
			out.Meta = make(map[string]interface{}, len(metaMap))
			for k, v := range metaMap {
				out.Meta[k] = v
			}
		}
	}
	return out, nil
}
