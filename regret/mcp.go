package regret

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/yanghuiloong/Bilibili-Homepage-Regret-Pill/kit"
)

// RegisterMCP registers the session's tools on an MCP server, so an agent
// can drive undo/redo the same way the HTTP surface does.
func (s *Session) RegisterMCP(srv *mcp.Server) {
	s.registerStatusTool(srv)
	s.registerUndoTool(srv)
	s.registerRedoTool(srv)
	s.registerPreviewTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Session) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "regret_status",
		Description: "Report the engine's binding state, captured slots and which restore directions are currently permitted.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return s.Status(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Session) registerUndoTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "regret_undo",
		Description: "Restore the recommendation grid to the state captured before the last refresh.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		if err := s.Undo(ctx); err != nil {
			return nil, err
		}
		return s.Status(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Session) registerRedoTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "regret_redo",
		Description: "Return the recommendation grid to the state the last refresh produced.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		if err := s.Redo(ctx); err != nil {
			return nil, err
		}
		return s.Status(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type previewReq struct {
	Slot string `json:"slot"`
}

func (s *Session) registerPreviewTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "regret_preview",
		Description: "Return the stored markup of a captured slot as a markdown digest.",
		InputSchema: inputSchema(map[string]any{
			"slot": map[string]any{"type": "string", "description": `Which slot to preview: "old" or "new"`},
		}, []string{"slot"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*previewReq)
		digest := s.SnapshotDigest(r.Slot)
		if digest == "" {
			return nil, fmt.Errorf("regret: slot %q is empty", r.Slot)
		}
		return map[string]any{"slot": r.Slot, "digest": digest}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r previewReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.Slot != "old" && r.Slot != "new" {
			return nil, fmt.Errorf("slot must be %q or %q", "old", "new")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
