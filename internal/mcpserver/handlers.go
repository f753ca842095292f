package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateEscrow opens an escrow with the agent as buyer.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	if seller == "" {
		return mcp.NewToolResultError("seller is required"), nil
	}

	raw, err := h.client.CreateEscrow(ctx, seller)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}
	return escrowResult("Escrow created", raw)
}

// HandleDepositEscrow funds an escrow.
func (h *Handlers) HandleDepositEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	value := req.GetString("value", "")
	if id == "" || value == "" {
		return mcp.NewToolResultError("escrow_id and value are required"), nil
	}

	raw, err := h.client.Deposit(ctx, id, value)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to deposit: %v", err)), nil
	}
	return escrowResult("Deposit accepted", raw)
}

// HandleReleaseEscrow pays the seller.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.Release(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to release: %v", err)), nil
	}
	return escrowResult("Escrow released", raw)
}

// HandleRefundEscrow returns funds to the buyer.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.Refund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to refund: %v", err)), nil
	}
	return escrowResult("Escrow refunded", raw)
}

// HandleGetEscrow describes an escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return escrowResult("Escrow", raw)
}

// HandleCheckBalance returns an account's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", h.client.Address())
	if address == "" {
		return mcp.NewToolResultError("address is required when no signing key is configured"), nil
	}

	raw, err := h.client.GetBalance(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Address      string `json:"address"`
		Balance      string `json:"balance"`
		BalanceEther string `json:"balanceEther"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Balance of %s: %s ETH (%s wei)",
		resp.Address, resp.BalanceEther, resp.Balance)), nil
}

type escrowView struct {
	ID          string `json:"id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Amount      string `json:"amount"`
	AmountEther string `json:"amountEther"`
	StateName   string `json:"stateName"`
}

func escrowResult(title string, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var resp struct {
		Escrow escrowView `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(title, resp.Escrow)), nil
}

func formatEscrow(title string, e escrowView) string {
	var sb strings.Builder
	sb.WriteString(title + ":\n")
	fmt.Fprintf(&sb, "  ID:     %s\n", e.ID)
	fmt.Fprintf(&sb, "  State:  %s\n", e.StateName)
	fmt.Fprintf(&sb, "  Amount: %s ETH\n", e.AmountEther)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", e.Buyer)
	fmt.Fprintf(&sb, "  Seller: %s\n", e.Seller)
	return sb.String()
}
