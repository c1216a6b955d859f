// Package mcpserver exposes the payer side of x402 as MCP tools, so an
// LLM agent can buy inference within a budget, check prices, look up
// agent identities and browse markets.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fredagent/x402proxy/internal/identity"
	"github.com/fredagent/x402proxy/internal/markets"
	"github.com/fredagent/x402proxy/internal/security"
	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/mark3labs/mcp-go/server"
)

// Payer performs paid requests. *x402.Client satisfies it.
type Payer interface {
	RequestWithPayment(ctx context.Context, endpoint string, payload any, maxAcceptablePrice uint64) (*x402.Result, error)
}

// IdentityLookup resolves agent identities. *identity.Resolver satisfies it.
type IdentityLookup interface {
	Agent(ctx context.Context, owner common.Address) (*identity.Agent, error)
}

// Config wires the tools to their collaborators.
type Config struct {
	Proxy    *ProxyClient
	Payer    Payer
	Address  common.Address
	MaxPrice uint64 // default budget per call, smallest units
	Decimals int32
	Policy   security.EndpointPolicy
	Identity IdentityLookup // optional
	Markets  markets.Source // optional
	Logger   *slog.Logger
	Version  string
}

// NewMCPServer creates a configured MCP server with all tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer("x402proxy", version)
	h := NewHandlers(cfg)

	s.AddTool(ToolPaidInference, h.HandlePaidInference)
	s.AddTool(ToolGetPricing, h.HandleGetPricing)
	s.AddTool(ToolAgentIdentity, h.HandleAgentIdentity)
	s.AddTool(ToolListMarkets, h.HandleListMarkets)

	return s
}
