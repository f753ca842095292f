package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a new two-party escrow with you as the buyer. "+
			"The escrow starts empty (AwaitingPayment); fund it with deposit_escrow."),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("Seller address that will receive the funds on release (e.g. '0x1234...')")),
)

var ToolDepositEscrow = mcp.NewTool("deposit_escrow",
	mcp.WithDescription(
		"Deposit ether into an escrow you created. Only the buyer may deposit, "+
			"only once, and only while the escrow is AwaitingPayment."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow address returned by create_escrow")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("Amount in ether, up to 18 decimals (e.g. '0.5')")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Release a funded escrow's balance to the seller. Only the seller may release."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow address")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Refund a funded escrow's balance to the buyer. Only the buyer may refund."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow address")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Show an escrow's parties, held amount and state "+
			"(AwaitingPayment, AwaitingDelivery, Complete, Refunded)."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow address")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check an account's ether balance on the ledger. Defaults to your own account."),
	mcp.WithString("address",
		mcp.Description("Account address; omit for your own")),
)
