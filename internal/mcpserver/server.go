package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrowd", version)
	h := NewHandlers(NewEscrowClient(cfg))

	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolDepositEscrow, h.HandleDepositEscrow)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
