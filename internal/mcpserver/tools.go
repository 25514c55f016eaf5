package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the splitpay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreatePaymentIntent = mcp.NewTool("create_payment_intent",
	mcp.WithDescription(
		"Create a payment intent for an order. The payment is split on-chain between "+
			"the service provider, the platform treasury, the staking pool and the beneficiary. "+
			"Returns the intent ID, the split preview and the calls the payer must submit."),
	mcp.WithString("reference_id",
		mcp.Required(),
		mcp.Description("Merchant order reference, unique among pending intents (e.g. 'order-42')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Total amount in USDC (e.g. '100.00')")),
	mcp.WithString("provider",
		mcp.Required(),
		mcp.Description("Service provider address (e.g. '0x1234...')")),
	mcp.WithString("beneficiary",
		mcp.Required(),
		mcp.Description("Beneficiary address (e.g. '0xabcd...')")),
)

var ToolGetPaymentIntent = mcp.NewTool("get_payment_intent",
	mcp.WithDescription(
		"Look up a payment intent by ID. Shows its status (pending, completed or expired), "+
			"the split and, once settled, the settlement ID."),
	mcp.WithString("intent_id",
		mcp.Required(),
		mcp.Description("Payment intent ID (e.g. 'pi_...')")),
)

var ToolPayIntent = mcp.NewTool("pay_intent",
	mcp.WithDescription(
		"Devnet only. Pay a pending intent by submitting its approve and settle calls "+
			"from a devnet account. The payer must hold enough test USDC."),
	mcp.WithString("intent_id",
		mcp.Required(),
		mcp.Description("Payment intent ID to pay")),
	mcp.WithString("payer",
		mcp.Description("Devnet account that pays. Defaults to the configured payer.")),
)

var ToolGetSettlements = mcp.NewTool("get_settlements",
	mcp.WithDescription(
		"Find recorded on-chain settlements by order reference or transaction hash. "+
			"Each settlement lists the amount each party received."),
	mcp.WithString("reference_id",
		mcp.Description("Order reference the settlement carried")),
	mcp.WithString("tx_hash",
		mcp.Description("Transaction hash of the settle call")),
)

var ToolGetStake = mcp.NewTool("get_stake",
	mcp.WithDescription(
		"Get a provider's bonded stake: active and unbonding amounts, total slashed, "+
			"whether it is frozen by a pending slash, and its capacity tier "+
			"(None/Basic/Standard/Professional/Enterprise)."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Staker address (e.g. '0x1234...')")),
)

var ToolGetSlashCase = mcp.NewTool("get_slash_case",
	mcp.WithDescription(
		"Get a slash case by ID: subject, violation tier, proposed amount, "+
			"appeal deadline and outcome."),
	mcp.WithString("case_id",
		mcp.Required(),
		mcp.Description("Numeric slash case ID")),
)

var ToolGetListenerStatus = mcp.NewTool("get_listener_status",
	mcp.WithDescription(
		"Check the settlement listener: chain head, next block to scan, "+
			"confirmation depth and whether it is healthy, degraded or halted."),
)
