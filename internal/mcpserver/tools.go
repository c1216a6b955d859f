package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which
// tool to use.

var ToolPaidInference = mcp.NewTool("paid_inference",
	mcp.WithDescription(
		"Run an LLM prompt through an x402 pay-per-call inference proxy. "+
			"The wallet signs a USDC payment authorization for the quoted price, "+
			"but only when it is at or below max_price. Returns the completion and the amount paid."),
	mcp.WithString("prompt",
		mcp.Required(),
		mcp.Description("The prompt to send")),
	mcp.WithString("model",
		mcp.Description("Model name understood by the proxy (default claude-3-5-sonnet-20241022)")),
	mcp.WithNumber("max_tokens",
		mcp.Description("Maximum tokens in the completion (default 500)")),
	mcp.WithString("max_price",
		mcp.Description("Most you will pay for this call, in USDC (e.g. '0.01'). Defaults to the configured budget.")),
	mcp.WithString("endpoint",
		mcp.Description("Full URL of a different x402 inference endpoint. Defaults to the configured proxy.")),
)

var ToolGetPricing = mcp.NewTool("get_pricing",
	mcp.WithDescription(
		"Get the price per call, asset, network and recipient of the inference proxy. Free."),
)

var ToolAgentIdentity = mcp.NewTool("agent_identity",
	mcp.WithDescription(
		"Look up the ERC-8004 agent identity registered to an address. "+
			"Without an address, reports this wallet's own identity."),
	mcp.WithString("address",
		mcp.Description("Owner address (e.g. '0x1234...'). Defaults to this wallet.")),
)

var ToolListMarkets = mcp.NewTool("list_markets",
	mcp.WithDescription(
		"List active prediction markets with outcome prices. Free."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of markets to return (default 10, max 100)")),
)
