package inference

import (
	"errors"
	"net/http"

	"github.com/fredagent/x402proxy/internal/circuitbreaker"
	"github.com/fredagent/x402proxy/internal/logging"
	"github.com/fredagent/x402proxy/internal/paywall"
	"github.com/fredagent/x402proxy/internal/receipts"
	"github.com/fredagent/x402proxy/internal/usdc"
	"github.com/fredagent/x402proxy/internal/validation"
	"github.com/gin-gonic/gin"
)

// Request is the body of POST /inference.
type Request struct {
	Prompt      string   `json:"prompt" binding:"required,max=32000"`
	Model       string   `json:"model" binding:"omitempty,max=128"`
	MaxTokens   *int     `json:"max_tokens" binding:"omitempty,min=1,max=8192"`
	Temperature *float64 `json:"temperature" binding:"omitempty,gte=0,lte=2"`
}

func (r Request) params() Params {
	p := Params{Model: r.Model, MaxTokens: DefaultMaxTokens, Temperature: DefaultTemperature}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if r.MaxTokens != nil {
		p.MaxTokens = *r.MaxTokens
	}
	if r.Temperature != nil {
		p.Temperature = *r.Temperature
	}
	return p
}

// Response is the paid result.
type Response struct {
	Response      string `json:"response"`
	Model         string `json:"model"`
	TokensUsed    int    `json:"tokensUsed"`
	PaymentAmount uint64 `json:"paymentAmount"`
	Payer         string `json:"payer"`
	ReceiptID     string `json:"receiptId,omitempty"`
}

// Pricing describes what a call costs.
type Pricing struct {
	PricePerCall uint64
	Asset        string
	Network      string
	PayTo        string
	Decimals     int32
}

// Handler serves the guarded inference route and its price list.
type Handler struct {
	service  *Service
	pricing  Pricing
	receipts bool
}

// NewHandler creates a handler. withReceipts controls whether responses
// carry the receipt ID of the payment.
func NewHandler(service *Service, pricing Pricing, withReceipts bool) *Handler {
	return &Handler{service: service, pricing: pricing, receipts: withReceipts}
}

// RegisterRoutes mounts POST /inference behind the paywall and the free
// GET /pricing.
func (h *Handler) RegisterRoutes(r gin.IRouter, paid gin.HandlerFunc) {
	r.POST("/inference", paid, h.Infer)
	r.GET("/pricing", h.Pricing)
}

// Infer handles POST /inference
func (h *Handler) Infer(c *gin.Context) {
	var req Request
	if err := validation.BindJSON(c, &req); err != nil {
		validation.Abort(c, err)
		return
	}

	settlement := paywall.GetSettlement(c)
	if settlement == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "payment state missing",
		})
		return
	}

	out, err := h.service.Complete(c.Request.Context(), req.Prompt, req.params())
	if err != nil {
		// Release before responding so the payer can resubmit immediately.
		retryable, relErr := paywall.Fail(c)
		if relErr != nil {
			logging.L(c.Request.Context()).Error("nonce release failed", "nonce", settlement.Nonce, "error", relErr)
		}
		status := http.StatusBadGateway
		if errors.Is(err, circuitbreaker.ErrOpen) {
			status = http.StatusServiceUnavailable
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error":     "inference_failed",
			"message":   err.Error(),
			"retryable": retryable,
		})
		return
	}

	resp := Response{
		Response:      out.Text,
		Model:         out.Model,
		TokensUsed:    out.Tokens,
		PaymentAmount: settlement.AmountAccepted,
		Payer:         settlement.Payer,
	}
	if h.receipts {
		resp.ReceiptID = receipts.IDFor(settlement.Payer, settlement.Nonce)
	}
	logging.L(c.Request.Context()).Info("inference completed",
		"payer", settlement.Payer, "tokens", out.Tokens, "amount", settlement.AmountAccepted)
	c.JSON(http.StatusOK, resp)
}

// Pricing handles GET /pricing
func (h *Handler) Pricing(c *gin.Context) {
	p := h.pricing
	c.JSON(http.StatusOK, gin.H{
		"pricePerCall":  p.PricePerCall,
		"priceDisplay":  usdc.FormatUnits(p.PricePerCall, p.Decimals),
		"asset":         p.Asset,
		"network":       p.Network,
		"payTo":         p.PayTo,
		"decimals":      p.Decimals,
		"backend":       h.service.Backend(),
		"available":     h.service.Available(),
		"paymentMethod": "x402",
		"header":        "X-PAYMENT",
	})
}
