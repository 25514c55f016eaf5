// Package mcpserver exposes the splitpay HTTP API as MCP tools for
// agent clients.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all splitpay tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("splitpay", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreatePaymentIntent, h.HandleCreatePaymentIntent)
	s.AddTool(ToolGetPaymentIntent, h.HandleGetPaymentIntent)
	s.AddTool(ToolPayIntent, h.HandlePayIntent)
	s.AddTool(ToolGetSettlements, h.HandleGetSettlements)
	s.AddTool(ToolGetStake, h.HandleGetStake)
	s.AddTool(ToolGetSlashCase, h.HandleGetSlashCase)
	s.AddTool(ToolGetListenerStatus, h.HandleGetListenerStatus)

	return s
}
