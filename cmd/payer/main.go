// Command payer sends one prompt to an x402-priced inference endpoint,
// paying at most -max.
//
// Usage:
//
//	PRIVATE_KEY=0x... go run ./cmd/payer -prompt "Will it rain in Lisbon?"
//	go run ./cmd/payer -endpoint https://proxy.example.com/inference -max 0.005 -prompt "..."
//
// It also manages the wallet's ERC-8004 identity:
//
//	go run ./cmd/payer -registration-file -name FRED > registration.json
//	go run ./cmd/payer -register https://example.com/registration.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fredagent/x402proxy/internal/config"
	"github.com/fredagent/x402proxy/internal/identity"
	"github.com/fredagent/x402proxy/internal/logging"
	"github.com/fredagent/x402proxy/internal/usdc"
	"github.com/fredagent/x402proxy/internal/wallet"
	"github.com/fredagent/x402proxy/pkg/x402"
)

type inferenceRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func main() {
	cfg, err := config.LoadPayer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	var (
		endpoint  = flag.String("endpoint", cfg.ProxyURL+"/inference", "guarded endpoint URL")
		prompt    = flag.String("prompt", "", "prompt to send")
		maxPrice  = flag.String("max", cfg.MaxPrice, "maximum price per call in USDC")
		model     = flag.String("model", "", "model override")
		maxTokens = flag.Int("max-tokens", 0, "completion token limit")
		timeout   = flag.Duration("timeout", 2*time.Minute, "overall timeout")
		withID    = flag.Bool("identity", true, "attach the ERC-8004 agent id when registered")
		register  = flag.String("register", "", "register the wallet's ERC-8004 identity pointing at this URI, then exit")
		regFile   = flag.Bool("registration-file", false, "print an ERC-8004 registration document for the wallet, then exit")
		name      = flag.String("name", "", "agent name for -registration-file")
		desc      = flag.String("description", "", "agent description for -registration-file")
	)
	flag.Parse()

	if *register == "" && !*regFile && *prompt == "" {
		fmt.Fprintln(os.Stderr, "-prompt is required")
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	budget, err := usdc.ParseUnits(*maxPrice, cfg.AssetDecimals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "-max: %v\n", err)
		os.Exit(2)
	}

	w, err := wallet.FromHex(cfg.PrivateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wallet: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	switch {
	case *regFile:
		os.Exit(printRegistrationFile(cfg, w, *name, *desc))
	case *register != "":
		os.Exit(registerIdentity(ctx, cfg, w, *register, logger))
	}

	opts := []x402.ClientOption{
		x402.WithOnPayment(func(q x402.PriceQuote, p x402.SignedPayment) {
			logger.Info("signing payment",
				"amount", usdc.FormatUnits(q.Amount, cfg.AssetDecimals),
				"pay_to", q.PayTo, "nonce", p.Payload.Authorization.Nonce)
		}),
	}
	if *withID && cfg.IdentityRegistry != "" && cfg.RPCURL != "" {
		if client, err := ethclient.DialContext(ctx, cfg.RPCURL); err != nil {
			logger.Warn("skipping agent identity", "error", err)
		} else {
			defer client.Close()
			opts = append(opts, x402.WithIdentity(identity.NewResolver(client, common.HexToAddress(cfg.IdentityRegistry))))
		}
	}

	payer := x402.NewClient(w, opts...)
	res, err := payer.RequestWithPayment(ctx, *endpoint, inferenceRequest{
		Prompt:    *prompt,
		Model:     *model,
		MaxTokens: *maxTokens,
	}, budget)
	if err != nil {
		os.Exit(report(err, cfg.AssetDecimals))
	}

	var out map[string]any
	if err := res.Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if res.Paid {
		logger.Info("paid", "amount", usdc.FormatUnits(res.PaymentAmount, cfg.AssetDecimals), "payer", w.Address().Hex())
	}
}

func printRegistrationFile(cfg *config.Config, w *wallet.Wallet, name, desc string) int {
	doc, err := identity.NewRegistrationFile(identity.RegistrationParams{
		Name:        name,
		Description: desc,
		Owner:       w.Address(),
		Network:     cfg.Network,
		BaseURL:     cfg.ProxyURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "registration file: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
	return 0
}

func registerIdentity(ctx context.Context, cfg *config.Config, w *wallet.Wallet, uri string, logger *slog.Logger) int {
	if cfg.IdentityRegistry == "" || cfg.RPCURL == "" {
		fmt.Fprintln(os.Stderr, "-register needs IDENTITY_REGISTRY and RPC_URL")
		return 2
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rpc: %v\n", err)
		return 5
	}
	defer client.Close()

	logger.Info("registering agent identity", "owner", w.Address().Hex(), "uri", uri, "registry", cfg.IdentityRegistry)
	reg, err := identity.NewRegistrar(client, common.HexToAddress(cfg.IdentityRegistry), w).Register(ctx, uri)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		return 1
	}
	if reg.AlreadyRegistered {
		logger.Info("already registered", "agent_id", reg.AgentID)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(reg)
	return 0
}

// report prints err and returns the exit code: 3 over budget, 4 rejected,
// 5 transport, 1 anything else.
func report(err error, decimals int32) int {
	var (
		exceeded *x402.PriceExceededError
		rejected *x402.PaymentRejectedError
	)
	switch {
	case errors.As(err, &exceeded):
		fmt.Fprintf(os.Stderr, "price %s exceeds budget %s, nothing paid\n",
			usdc.FormatUnits(exceeded.Quote.Amount, decimals), usdc.FormatUnits(exceeded.Max, decimals))
		return 3
	case errors.As(err, &rejected):
		fmt.Fprintf(os.Stderr, "payment rejected: %s\n", rejected.Reason)
		return 4
	case errors.Is(err, x402.ErrTransport):
		fmt.Fprintf(os.Stderr, "transport: %v\n", err)
		return 5
	default:
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		return 1
	}
}
