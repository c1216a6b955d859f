// x402proxy MCP server - exposes paid inference and market lookups as MCP
// tools, paying the proxy from a local key.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fredagent/x402proxy/internal/config"
	"github.com/fredagent/x402proxy/internal/identity"
	"github.com/fredagent/x402proxy/internal/logging"
	"github.com/fredagent/x402proxy/internal/markets"
	"github.com/fredagent/x402proxy/internal/mcpserver"
	"github.com/fredagent/x402proxy/internal/usdc"
	"github.com/fredagent/x402proxy/internal/wallet"
	"github.com/fredagent/x402proxy/pkg/x402"
)

var version = "dev"

func main() {
	cfg, err := config.LoadPayer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	w, err := wallet.FromHex(cfg.PrivateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wallet: %v\n", err)
		os.Exit(1)
	}

	maxPrice, err := usdc.ParseUnits(cfg.MaxPrice, cfg.AssetDecimals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "X402_MAX_PRICE: %v\n", err)
		os.Exit(1)
	}

	mcfg := mcpserver.Config{
		Proxy:    mcpserver.NewProxyClient(cfg.ProxyURL, nil),
		Address:  w.Address(),
		MaxPrice: maxPrice,
		Decimals: cfg.AssetDecimals,
		Markets:  markets.NewHTTPSource(cfg.MarketsURL, nil),
		Logger:   logger,
		Version:  version,
	}

	opts := []x402.ClientOption{}
	if cfg.IdentityRegistry != "" && cfg.RPCURL != "" {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			logger.Warn("identity registry unavailable", "rpc", cfg.RPCURL, "error", err)
		} else {
			defer client.Close()
			resolver := identity.NewResolver(client, common.HexToAddress(cfg.IdentityRegistry))
			mcfg.Identity = resolver
			opts = append(opts, x402.WithIdentity(resolver))
		}
	}
	mcfg.Payer = x402.NewClient(w, opts...)

	logger.Info("mcp server starting",
		"payer", w.Address().Hex(), "proxy", cfg.ProxyURL, "max_price", cfg.MaxPrice)

	s := mcpserver.NewMCPServer(mcfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
