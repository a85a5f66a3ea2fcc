package service

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vizcomplete/ttvc/kit"
)

// RegisterMCP registers the measurement tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerMeasureTool(srv)
	s.registerResultsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
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

// --- measure ---

type measureRequest struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

func (s *Service) registerMeasureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ttvc_measure",
		Description: "Measure Time To Visually Complete for a URL. Loads the page in a fresh browser tab and returns the measured metric or the cancellation outcome.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page URL to measure"},
			"id":  map[string]any{"type": "string", "description": "Optional page identifier for grouping results"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*measureRequest)
		return s.Measure(kit.WithPageID(ctx, r.ID), r.ID, r.URL)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r measureRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- results ---

type resultsRequest struct {
	PageID string `json:"page_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Service) registerResultsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ttvc_results",
		Description: "List stored measurement results, most recent first. Requires a sqlite sink.",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Filter by page identifier"},
			"limit":   map[string]any{"type": "integer", "description": "Max results (default 100)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*resultsRequest)
		return s.Results(ctx, r.PageID, r.Limit)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r resultsRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
