package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fredagent/x402proxy/internal/identity"
	"github.com/fredagent/x402proxy/internal/markets"
	"github.com/fredagent/x402proxy/internal/usdc"
	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg Config) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{cfg: cfg, logger: logger}
}

type inferenceRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type inferenceResponse struct {
	Response      string `json:"response"`
	Model         string `json:"model"`
	TokensUsed    int    `json:"tokensUsed"`
	PaymentAmount uint64 `json:"paymentAmount"`
	ReceiptID     string `json:"receiptId"`
}

// HandlePaidInference pays for and runs one prompt.
func (h *Handlers) HandlePaidInference(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := strings.TrimSpace(req.GetString("prompt", ""))
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	budget := h.cfg.MaxPrice
	if s := req.GetString("max_price", ""); s != "" {
		units, err := usdc.ParseUnits(s, h.cfg.Decimals)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid max_price: %v", err)), nil
		}
		budget = units
	}

	endpoint := h.cfg.Proxy.InferenceURL()
	if e := req.GetString("endpoint", ""); e != "" {
		if err := h.cfg.Policy.Validate(ctx, e); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Endpoint rejected: %v", err)), nil
		}
		endpoint = e
	}

	res, err := h.cfg.Payer.RequestWithPayment(ctx, endpoint, inferenceRequest{
		Prompt:    prompt,
		Model:     req.GetString("model", ""),
		MaxTokens: req.GetInt("max_tokens", 0),
	}, budget)
	if err != nil {
		return mcp.NewToolResultError(describePaymentError(err, h.cfg.Decimals)), nil
	}

	var out inferenceResponse
	if err := res.Decode(&out); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected response from %s: %v", endpoint, err)), nil
	}
	if out.PaymentAmount == 0 {
		out.PaymentAmount = res.PaymentAmount
	}

	h.logger.Info("paid inference", "endpoint", endpoint, "paid", res.Paid, "amount", out.PaymentAmount)

	var sb strings.Builder
	sb.WriteString(out.Response)
	sb.WriteString("\n\n---\n")
	if res.Paid {
		fmt.Fprintf(&sb, "Paid: %s USDC", usdc.FormatUnits(out.PaymentAmount, h.cfg.Decimals))
	} else {
		sb.WriteString("Paid: nothing (endpoint did not ask for payment)")
	}
	if out.Model != "" {
		fmt.Fprintf(&sb, " | Model: %s", out.Model)
	}
	if out.TokensUsed > 0 {
		fmt.Fprintf(&sb, " | Tokens: %d", out.TokensUsed)
	}
	if out.ReceiptID != "" {
		fmt.Fprintf(&sb, " | Receipt: %s", out.ReceiptID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPricing reports the proxy's price list.
func (h *Handlers) HandleGetPricing(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := h.cfg.Proxy.Pricing(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get pricing: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Inference pricing:\n")
	fmt.Fprintf(&sb, "  Price per call: %s USDC (%d units)\n", usdc.FormatUnits(p.PricePerCall, p.Decimals), p.PricePerCall)
	fmt.Fprintf(&sb, "  Network: %s\n", p.Network)
	fmt.Fprintf(&sb, "  Asset: %s\n", p.Asset)
	fmt.Fprintf(&sb, "  Pay to: %s\n", p.PayTo)
	if p.Backend != "" {
		fmt.Fprintf(&sb, "  Backend: %s (available: %t)\n", p.Backend, p.Available)
	}
	fmt.Fprintf(&sb, "  Your budget: %s USDC per call\n", usdc.FormatUnits(h.cfg.MaxPrice, h.cfg.Decimals))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAgentIdentity looks up an ERC-8004 registration.
func (h *Handlers) HandleAgentIdentity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.cfg.Identity == nil {
		return mcp.NewToolResultError("Identity registry is not configured"), nil
	}

	owner := h.cfg.Address
	if s := req.GetString("address", ""); s != "" {
		if !common.IsHexAddress(s) {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid address %q", s)), nil
		}
		owner = common.HexToAddress(s)
	}

	agent, err := h.cfg.Identity.Agent(ctx, owner)
	if errors.Is(err, identity.ErrNotRegistered) {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no registered agent identity.", owner.Hex())), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Identity lookup failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Agent identity:\n")
	fmt.Fprintf(&sb, "  Agent ID: %d\n", agent.ID)
	fmt.Fprintf(&sb, "  Owner: %s\n", agent.Owner)
	if agent.URI != "" {
		fmt.Fprintf(&sb, "  Registration: %s\n", agent.URI)
	}
	fmt.Fprintf(&sb, "  Registry: %s\n", agent.Registry)
	if agent.Count > 1 {
		fmt.Fprintf(&sb, "  Identities owned: %d\n", agent.Count)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListMarkets lists open prediction markets.
func (h *Handlers) HandleListMarkets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.cfg.Markets == nil {
		return mcp.NewToolResultError("Market source is not configured"), nil
	}

	list, err := h.cfg.Markets.Fetch(ctx, req.GetInt("limit", markets.DefaultLimit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list markets: %v", err)), nil
	}
	return mcp.NewToolResultText(formatMarkets(list)), nil
}

// describePaymentError turns client failures into guidance the model can
// act on.
func describePaymentError(err error, decimals int32) string {
	var (
		exceeded *x402.PriceExceededError
		rejected *x402.PaymentRejectedError
		server   *x402.ServerError
	)
	switch {
	case errors.As(err, &exceeded):
		return fmt.Sprintf("Price %s USDC exceeds your max_price of %s USDC. Nothing was paid.",
			usdc.FormatUnits(exceeded.Quote.Amount, decimals), usdc.FormatUnits(exceeded.Max, decimals))
	case errors.As(err, &rejected):
		return fmt.Sprintf("Payment rejected by the server (%s). Nothing was charged; a new call signs a fresh authorization.", rejected.Reason)
	case errors.As(err, &server) && server.Retryable:
		return fmt.Sprintf("The endpoint failed after accepting payment (%s). The payment was released; calling again is safe.", server.Code)
	case errors.As(err, &server):
		return fmt.Sprintf("The endpoint failed (%d %s): %s", server.StatusCode, server.Code, server.Message)
	case errors.Is(err, x402.ErrTransport):
		return fmt.Sprintf("Could not reach the endpoint: %v", err)
	default:
		return fmt.Sprintf("Paid inference failed: %v", err)
	}
}

func formatMarkets(list []markets.Market) string {
	if len(list) == 0 {
		return "No active markets found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d market(s):\n\n", len(list))
	for i, m := range list {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, m.Question)
		for _, o := range m.Outcomes {
			fmt.Fprintf(&sb, "   %s: %s\n", o.Name, o.Price.StringFixed(2))
		}
		if !m.Volume.IsZero() {
			fmt.Fprintf(&sb, "   Volume: %s\n", m.Volume.StringFixed(0))
		}
		if m.EndDate != nil {
			fmt.Fprintf(&sb, "   Ends: %s\n", m.EndDate.Format("2006-01-02"))
		}
	}
	return sb.String()
}
