package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the arbiter console.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolWhoAmI = mcp.NewTool("whoami",
	mcp.WithDescription(
		"Show which user and role the console is acting as. "+
			"Arbitration tools only work with an arbiter key."),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Get one escrow by id: parties, amount in minor units, commission split, state, "+
			"delivery and dispute details, and how it was resolved."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id (e.g. 'esc_...')")),
)

var ToolFindEscrowByJob = mcp.NewTool("find_escrow_by_job",
	mcp.WithDescription(
		"Find the escrow that funds a job. Prefers the live escrow over older cancelled ones."),
	mcp.WithString("job_id",
		mcp.Required(),
		mcp.Description("The marketplace job id")),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List escrows currently in dispute, oldest first, with the payer's reason and evidence. "+
			"Use this to pick the next case to review."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)")),
)

var ToolListEffects = mcp.NewTool("list_effects",
	mcp.WithDescription(
		"List the ledger credits and notifications an escrow produced and whether each was delivered. "+
			"Use this to confirm money actually moved after a ruling."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id")),
)

var ToolArbitrateEscrow = mcp.NewTool("arbitrate_escrow",
	mcp.WithDescription(
		"Rule on a disputed escrow. 'release' pays the provider their earnings, "+
			"'refund' returns the full amount to the payer, 'partial' refunds refund_amount "+
			"and releases the remainder. Rulings are final."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The disputed escrow id")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("The ruling"),
		mcp.Enum("release", "refund", "partial")),
	mcp.WithNumber("refund_amount",
		mcp.Description("Minor units returned to the payer. Required for 'partial'; must be between 1 and amount-1.")),
	mcp.WithString("note",
		mcp.Description("Short rationale recorded with the ruling")),
)
