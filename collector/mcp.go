package collector

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domrec/kit"
)

// RegisterMCP registers the collector tools on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "collector_hits",
		Description: "List recorded hits with their received byte count, gaps and final flag. Filter by session or get the most recent hits.",
		InputSchema: inputSchema(map[string]any{
			"session": map[string]any{"type": "string", "description": "Session id"},
			"limit":   map[string]any{"type": "integer", "description": "Max results (default 50)"},
		}, nil),
	}, s.hits, kit.DecodeJSON[hitsRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "collector_gaps",
		Description: "Report the missing byte ranges of a hit stream.",
		InputSchema: inputSchema(map[string]any{
			"hit": map[string]any{"type": "string", "description": "Hit id"},
		}, []string{"hit"}),
	}, s.gaps, kit.DecodeJSON[hitRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "collector_replay",
		Description: "Rebuild the last recorded state of a hit as HTML.",
		InputSchema: inputSchema(map[string]any{
			"hit": map[string]any{"type": "string", "description": "Hit id"},
		}, []string{"hit"}),
	}, s.replay, kit.DecodeJSON[hitRequest]())
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
