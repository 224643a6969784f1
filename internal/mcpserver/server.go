// Package mcpserver exposes the arbiter workflow as MCP tools so disputes can
// be reviewed and ruled on from an LLM client.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all arbiter tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("taskmarket-arbiter", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolWhoAmI, h.HandleWhoAmI)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolFindEscrowByJob, h.HandleFindEscrowByJob)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolListEffects, h.HandleListEffects)
	s.AddTool(ToolArbitrateEscrow, h.HandleArbitrateEscrow)

	return s
}
