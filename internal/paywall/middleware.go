// Package paywall implements the resource-server side of x402: it answers
// unpaid requests with a 402 challenge, verifies attached payments, and
// runs the guarded handler at most once per accepted payment.
package paywall

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/gin-gonic/gin"
)

const stateKey = "x402_payment_state"

// Config for the paywall middleware
type Config struct {
	Verifier *Verifier

	// Quote returns the price for the request. It is called on every
	// request so the challenge always reflects current configuration.
	Quote func(c *gin.Context) x402.PriceQuote

	Logger *slog.Logger

	// Hooks
	OnSettled  func(ctx context.Context, p x402.SignedPayment, res x402.SettlementResult)
	OnRejected func(ctx context.Context, p *x402.SignedPayment, reason x402.Reason)
}

type paymentState struct {
	payment  x402.SignedPayment
	result   x402.SettlementResult
	verifier *Verifier
	settled  bool
}

// Middleware creates a gin middleware that requires payment
func Middleware(cfg Config) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		quote := cfg.Quote(c)

		header := c.GetHeader(x402.HeaderPayment)
		if header == "" {
			header = c.GetHeader(x402.HeaderPaymentLegacy)
		}
		if header == "" {
			metrics.PaymentChallengesTotal.Inc()
			paymentRequired(c, quote, "", "")
			return
		}

		payment, err := x402.DecodePayment(header)
		if err != nil {
			logger.Info("malformed payment header", "error", err)
			metrics.PaymentsVerifiedTotal.WithLabelValues("rejected", string(x402.ReasonMalformedPayment)).Inc()
			if cfg.OnRejected != nil {
				cfg.OnRejected(c.Request.Context(), nil, x402.ReasonMalformedPayment)
			}
			paymentRequired(c, quote, x402.ReasonMalformedPayment, err.Error())
			return
		}

		res := cfg.Verifier.Verify(c.Request.Context(), payment, ExpectationFor(quote))
		if !res.Valid {
			logger.Info("payment rejected",
				"payer", res.Payer, "nonce", res.Nonce, "reason", res.Reason)
			if cfg.OnRejected != nil {
				cfg.OnRejected(c.Request.Context(), &payment, res.Reason)
			}
			paymentRequired(c, quote, res.Reason, reasonMessage(res.Reason))
			return
		}

		state := &paymentState{payment: payment, result: res, verifier: cfg.Verifier}
		c.Set(stateKey, state)
		c.Writer = &settlementWriter{ResponseWriter: c.Writer, result: res}

		c.Next()

		if state.settled {
			return
		}
		ctx := context.WithoutCancel(c.Request.Context())
		if c.Writer.Status() >= http.StatusBadRequest || len(c.Errors) > 0 {
			retryable, err := Fail(c)
			logger.Warn("paid request failed, nonce released",
				"payer", res.Payer, "nonce", res.Nonce, "status", c.Writer.Status(),
				"retryable", retryable, "error", err)
			return
		}

		state.settled = true
		if err := cfg.Verifier.Commit(ctx, res); err != nil {
			// The nonce stays pending, blocking replays until it expires
			// and the prune loop drops it.
			logger.Error("nonce commit failed", "payer", res.Payer, "nonce", res.Nonce, "error", err)
			return
		}
		metrics.PaymentAmountTotal.Add(float64(res.AmountAccepted))
		if cfg.OnSettled != nil {
			cfg.OnSettled(ctx, payment, res)
		}
	}
}

// Fail releases the payment of the current request after the guarded
// operation failed, and reports whether the payer may resubmit the same
// authorization. Calling it more than once is harmless.
func Fail(c *gin.Context) (bool, error) {
	state := getState(c)
	if state == nil || state.settled {
		return false, nil
	}
	state.settled = true
	return state.verifier.Release(context.WithoutCancel(c.Request.Context()), state.result)
}

// GetSettlement returns the verified payment's settlement, or nil if the
// request was not paid.
func GetSettlement(c *gin.Context) *x402.SettlementResult {
	if state := getState(c); state != nil {
		res := state.result
		return &res
	}
	return nil
}

// GetPayment returns the verified payment attached to the request.
func GetPayment(c *gin.Context) *x402.SignedPayment {
	if state := getState(c); state != nil {
		p := state.payment
		return &p
	}
	return nil
}

func getState(c *gin.Context) *paymentState {
	if v, ok := c.Get(stateKey); ok {
		return v.(*paymentState)
	}
	return nil
}

func paymentRequired(c *gin.Context, quote x402.PriceQuote, reason x402.Reason, message string) {
	body := x402.NewPaymentRequired(quote)
	body.Error = reason
	body.Message = message

	c.Header(x402.HeaderPaymentRequired, "true")
	c.Header("X-Payment-Price", strconv.FormatUint(quote.Amount, 10))
	c.Header("X-Payment-Recipient", quote.PayTo)
	c.Header("X-Payment-Asset", quote.Asset)
	c.Header("X-Payment-Network", quote.Network)

	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

func reasonMessage(r x402.Reason) string {
	switch r {
	case x402.ReasonInvalidSignature:
		return "Signature does not recover to the authorizing address"
	case x402.ReasonRecipientMismatch:
		return "Payment is addressed to a different recipient"
	case x402.ReasonAssetMismatch:
		return "Payment is for a different asset or network"
	case x402.ReasonInsufficientAmount:
		return "Authorized value is below the price"
	case x402.ReasonNotYetValid:
		return "Authorization is not valid yet"
	case x402.ReasonExpired:
		return "Authorization has expired"
	case x402.ReasonWindowTooLong:
		return "Authorization validity window is too long"
	case x402.ReasonReplay:
		return "Nonce has already been used"
	case x402.ReasonStoreUnavailable:
		return "Payment could not be recorded, try again"
	default:
		return string(r)
	}
}

// settlementWriter adds the X-Payment-Response header to successful
// responses only.
type settlementWriter struct {
	gin.ResponseWriter
	result x402.SettlementResult
}

func (w *settlementWriter) WriteHeader(code int) {
	w.attach(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *settlementWriter) WriteHeaderNow() {
	w.attach(w.ResponseWriter.Status())
	w.ResponseWriter.WriteHeaderNow()
}

func (w *settlementWriter) Write(data []byte) (int, error) {
	w.attach(w.ResponseWriter.Status())
	return w.ResponseWriter.Write(data)
}

func (w *settlementWriter) WriteString(s string) (int, error) {
	w.attach(w.ResponseWriter.Status())
	return w.ResponseWriter.WriteString(s)
}

func (w *settlementWriter) attach(code int) {
	if w.ResponseWriter.Written() {
		return
	}
	if code >= http.StatusBadRequest {
		w.Header().Del(x402.HeaderPaymentResponse)
		return
	}
	if h, err := x402.EncodeSettlement(w.result); err == nil {
		w.Header().Set(x402.HeaderPaymentResponse, h)
	}
}
