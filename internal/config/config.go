// Package config loads server and payer settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Nonce store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// LLM providers.
const (
	ProviderEcho      = "echo"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string
	PublicURL string // base URL advertised as the quote resource

	// Storage
	DatabaseURL  string
	RedisURL     string
	NonceBackend string

	// Pricing
	PricePerCall  uint64 // smallest asset units
	Recipient     string
	Network       string
	Asset         string
	AssetDecimals int32
	Validity      time.Duration
	MaxWindow     time.Duration
	MaxReleases   int

	// Receipts
	ReceiptSecret string

	// Chain reads
	RPCURL           string
	IdentityRegistry string

	// Guarded operation
	LLMProvider     string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	LLMAPIURL       string
	LLMTimeout      time.Duration

	MarketsURL string

	// Payer
	PrivateKey string
	MaxPrice   string // human units, e.g. "0.01"
	ProxyURL   string

	// Security
	RateLimitRPM int
	AdminToken   string // enables /v1/admin when set

	OTLPEndpoint string
}

// Defaults target Base mainnet USDC.
const (
	DefaultPort             = "8402"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultPricePerCall     = 5000 // 0.005 USDC
	DefaultRecipient        = "0xd5950fbB8393C3C50FA31a71faabc73C4EB2E237"
	DefaultNetwork          = "eip155:8453"
	DefaultAsset            = "eip155:8453/erc20:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	DefaultAssetDecimals    = 6
	DefaultValiditySeconds  = 300
	DefaultMaxWindowSeconds = 3600
	DefaultMaxReleases      = 1
	DefaultRPCURL           = "https://mainnet.base.org"
	DefaultIdentityRegistry = "0x8004A169FB4a3325136EB29fA0ceB6D2e539a432"
	DefaultLLMProvider      = ProviderEcho
	DefaultLLMTimeout       = 60 * time.Second
	DefaultMaxPrice         = "0.01"
	DefaultProxyURL         = "http://localhost:8402"
	DefaultMarketsURL       = "https://gamma-api.polymarket.com/markets"
	DefaultRateLimit        = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	cfg := load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPayer reads the same environment but only checks what a paying
// client needs.
func LoadPayer() (*Config, error) {
	cfg := load()
	if err := cfg.ValidatePayer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		PublicURL:        strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		NonceBackend:     os.Getenv("NONCE_BACKEND"),
		PricePerCall:     uint64(getEnvInt64("X402_PRICE_PER_CALL", DefaultPricePerCall)),
		Recipient:        getEnv("X402_RECIPIENT", DefaultRecipient),
		Network:          getEnv("X402_NETWORK", DefaultNetwork),
		Asset:            getEnv("X402_ASSET", DefaultAsset),
		AssetDecimals:    int32(getEnvInt64("X402_ASSET_DECIMALS", DefaultAssetDecimals)),
		Validity:         time.Duration(getEnvInt64("X402_VALIDITY_SECONDS", DefaultValiditySeconds)) * time.Second,
		MaxWindow:        time.Duration(getEnvInt64("X402_MAX_WINDOW_SECONDS", DefaultMaxWindowSeconds)) * time.Second,
		MaxReleases:      int(getEnvInt64("NONCE_MAX_RELEASES", DefaultMaxReleases)),
		ReceiptSecret:    os.Getenv("RECEIPT_HMAC_SECRET"),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		IdentityRegistry: getEnv("IDENTITY_REGISTRY", DefaultIdentityRegistry),
		LLMProvider:      getEnv("LLM_PROVIDER", DefaultLLMProvider),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		LLMAPIURL:        os.Getenv("LLM_API_URL"),
		LLMTimeout:       time.Duration(getEnvInt64("LLM_TIMEOUT_SECONDS", int64(DefaultLLMTimeout/time.Second))) * time.Second,
		MarketsURL:       getEnv("MARKETS_URL", DefaultMarketsURL),
		PrivateKey:       os.Getenv("PRIVATE_KEY"),
		MaxPrice:         getEnv("X402_MAX_PRICE", DefaultMaxPrice),
		ProxyURL:         strings.TrimRight(getEnv("X402_PROXY_URL", DefaultProxyURL), "/"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AdminToken:       os.Getenv("ADMIN_API_TOKEN"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.NonceBackend == "" {
		cfg.NonceBackend = cfg.defaultBackend()
	}
	return cfg
}

// defaultBackend picks the most durable store the environment offers.
func (c *Config) defaultBackend() string {
	switch {
	case c.DatabaseURL != "":
		return BackendPostgres
	case c.RedisURL != "":
		return BackendRedis
	default:
		return BackendMemory
	}
}

// Validate checks the server configuration.
func (c *Config) Validate() error {
	var errs []error

	if !common.IsHexAddress(c.Recipient) {
		errs = append(errs, fmt.Errorf("X402_RECIPIENT %q is not an address", c.Recipient))
	}
	if c.PricePerCall == 0 {
		errs = append(errs, errors.New("X402_PRICE_PER_CALL must be greater than zero"))
	}
	if !strings.HasPrefix(c.Network, "eip155:") {
		errs = append(errs, fmt.Errorf("X402_NETWORK %q must be an eip155 chain", c.Network))
	}
	if !strings.HasPrefix(c.Asset, c.Network+"/") {
		errs = append(errs, fmt.Errorf("X402_ASSET %q is not on network %s", c.Asset, c.Network))
	}
	if c.AssetDecimals < 0 || c.AssetDecimals > 36 {
		errs = append(errs, errors.New("X402_ASSET_DECIMALS must be between 0 and 36"))
	}
	if c.Validity <= 0 {
		errs = append(errs, errors.New("X402_VALIDITY_SECONDS must be positive"))
	}
	if c.MaxWindow > 0 && c.Validity > c.MaxWindow {
		errs = append(errs, errors.New("X402_VALIDITY_SECONDS exceeds X402_MAX_WINDOW_SECONDS"))
	}
	if c.MaxReleases < 0 {
		errs = append(errs, errors.New("NONCE_MAX_RELEASES must not be negative"))
	}

	switch c.NonceBackend {
	case BackendMemory:
		// The in-memory set forgets spent nonces on restart.
		if !c.IsDevelopment() {
			errs = append(errs, fmt.Errorf("NONCE_BACKEND=memory is not replay-safe outside development (ENV=%s)", c.Env))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for NONCE_BACKEND=postgres"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for NONCE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NONCE_BACKEND %q", c.NonceBackend))
	}

	if c.ReceiptSecret == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("RECEIPT_HMAC_SECRET is required outside development"))
	}

	switch c.LLMProvider {
	case ProviderEcho:
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for LLM_PROVIDER=anthropic"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.LLMAPIURL == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY or LLM_API_URL is required for LLM_PROVIDER=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	if c.IdentityRegistry != "" && !common.IsHexAddress(c.IdentityRegistry) {
		errs = append(errs, fmt.Errorf("IDENTITY_REGISTRY %q is not an address", c.IdentityRegistry))
	}

	return errors.Join(errs...)
}

// ValidatePayer checks the settings cmd/payer and cmd/mcp need.
func (c *Config) ValidatePayer() error {
	if c.PrivateKey == "" {
		return errors.New("PRIVATE_KEY is required")
	}
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return errors.New("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.IdentityRegistry != "" && !common.IsHexAddress(c.IdentityRegistry) {
		return fmt.Errorf("IDENTITY_REGISTRY %q is not an address", c.IdentityRegistry)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResourceURL is the URL quoted for path. Without PUBLIC_URL the local
// listen address is used.
func (c *Config) ResourceURL(path string) string {
	base := c.PublicURL
	if base == "" {
		base = "http://localhost:" + c.Port
	}
	return base + path
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
