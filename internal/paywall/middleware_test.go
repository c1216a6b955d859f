package paywall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fredagent/x402proxy/internal/nonces"
	"github.com/fredagent/x402proxy/pkg/x402"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	store    *nonces.MemoryStore
	calls    atomic.Int32
	settled  atomic.Int32
	rejected []x402.Reason
	mu       sync.Mutex
}

// newTestServer guards three routes with a real-time verifier:
// /inference succeeds, /flaky fails after asking for retryability and
// /broken fails without telling the paywall.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{store: nonces.NewMemoryStore()}

	mw := Middleware(Config{
		Verifier: NewVerifier(ts.store),
		Quote:    func(*gin.Context) x402.PriceQuote { return quote() },
		OnSettled: func(context.Context, x402.SignedPayment, x402.SettlementResult) {
			ts.settled.Add(1)
		},
		OnRejected: func(_ context.Context, _ *x402.SignedPayment, r x402.Reason) {
			ts.mu.Lock()
			ts.rejected = append(ts.rejected, r)
			ts.mu.Unlock()
		},
	})

	r := gin.New()
	r.POST("/inference", mw, func(c *gin.Context) {
		ts.calls.Add(1)
		s := GetSettlement(c)
		c.JSON(http.StatusOK, gin.H{"response": "pong", "paymentAmount": s.AmountAccepted})
	})
	r.POST("/flaky", mw, func(c *gin.Context) {
		ts.calls.Add(1)
		retryable, err := Fail(c)
		assert.NoError(t, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "inference_failed", "retryable": retryable})
	})
	r.POST("/broken", mw, func(c *gin.Context) {
		ts.calls.Add(1)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
	})
	ts.router = r
	return ts
}

func (ts *testServer) post(path, header, name string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"prompt":"ping"}`))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		if name == "" {
			name = x402.HeaderPayment
		}
		req.Header.Set(name, header)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// livePayment signs a payment valid around the real clock.
func livePayment(t *testing.T) x402.SignedPayment {
	t.Helper()
	p, err := x402.NewClient(newWallet(t)).Authorize(context.Background(), quote())
	require.NoError(t, err)
	return p
}

func encode(t *testing.T, p x402.SignedPayment) string {
	t.Helper()
	h, err := x402.EncodePayment(p)
	require.NoError(t, err)
	return h
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) x402.PaymentRequired {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var body x402.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestMiddleware_ChallengeWithoutPayment(t *testing.T) {
	ts := newTestServer(t)

	w := ts.post("/inference", "", "")
	body := decodeChallenge(t, w)

	assert.Equal(t, 1, body.X402Version)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "exact", body.Accepts[0].Scheme)
	assert.Equal(t, "5000", body.Accepts[0].MaxAmountRequired)
	assert.Equal(t, recipient, body.Accepts[0].PayTo)
	assert.Equal(t, network, body.Accepts[0].Network)
	assert.Empty(t, body.Error)

	assert.Equal(t, "true", w.Header().Get(x402.HeaderPaymentRequired))
	assert.Equal(t, "5000", w.Header().Get("X-Payment-Price"))
	assert.Equal(t, int32(0), ts.calls.Load())

	q, err := x402.DecodeChallenge(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), q.Amount)
}

func TestMiddleware_PayThenReplay(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	client := x402.NewClient(newWallet(t))
	res, err := client.RequestWithPayment(context.Background(), srv.URL+"/inference",
		map[string]string{"prompt": "ping"}, 10000)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.Paid)
	assert.Equal(t, uint64(5000), res.PaymentAmount)
	require.NotNil(t, res.Settlement)
	assert.True(t, res.Settlement.Valid)

	var out struct {
		Response      string `json:"response"`
		PaymentAmount uint64 `json:"paymentAmount"`
	}
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "pong", out.Response)
	assert.Equal(t, uint64(5000), out.PaymentAmount)

	// Resubmitting the identical payment is a replay.
	w := ts.post("/inference", encode(t, *res.Payment), "")
	body := decodeChallenge(t, w)
	assert.Equal(t, x402.ReasonReplay, body.Error)

	assert.Equal(t, int32(1), ts.calls.Load())
	assert.Equal(t, int32(1), ts.settled.Load())

	rec, err := ts.store.Get(context.Background(), res.Payment.Payer(), res.Payment.Payload.Authorization.Nonce)
	require.NoError(t, err)
	assert.Equal(t, nonces.StatusConsumed, rec.Status)
}

func TestMiddleware_ExpiredAuthorization(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	// A payer whose clock runs an hour behind signs an already-expired window.
	client := x402.NewClient(newWallet(t),
		x402.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))

	_, err := client.RequestWithPayment(context.Background(), srv.URL+"/inference", map[string]string{}, 10000)
	var rejected *x402.PaymentRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, x402.ReasonExpired, rejected.Reason)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	ts := newTestServer(t)

	for _, header := range []string{"not base64 !!", "e30", `{"x402Version":1}`} {
		body := decodeChallenge(t, ts.post("/inference", header, ""))
		assert.Equal(t, x402.ReasonMalformedPayment, body.Error, header)
		assert.NotEmpty(t, body.Message)
	}
	assert.Equal(t, int32(0), ts.calls.Load())
	assert.Len(t, ts.rejected, 3)
}

func TestMiddleware_LegacyHeaderRawJSON(t *testing.T) {
	ts := newTestServer(t)
	raw, err := json.Marshal(livePayment(t))
	require.NoError(t, err)

	w := ts.post("/inference", string(raw), x402.HeaderPaymentLegacy)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestMiddleware_SettlementHeaderOnSuccessOnly(t *testing.T) {
	ts := newTestServer(t)

	w := ts.post("/inference", encode(t, livePayment(t)), "")
	require.Equal(t, http.StatusOK, w.Code)
	settlement, err := x402.DecodeSettlement(w.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, settlement.Valid)
	assert.Equal(t, uint64(5000), settlement.AmountAccepted)

	w = ts.post("/flaky", encode(t, livePayment(t)), "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, w.Header().Get(x402.HeaderPaymentResponse))
}

func TestMiddleware_FailedOperationRetriesOnce(t *testing.T) {
	ts := newTestServer(t)
	header := encode(t, livePayment(t))

	type failure struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}

	w := ts.post("/flaky", header, "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	var f failure
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &f))
	assert.Equal(t, "inference_failed", f.Error)
	assert.True(t, f.Retryable)

	w = ts.post("/flaky", header, "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &f))
	assert.False(t, f.Retryable)

	body := decodeChallenge(t, ts.post("/flaky", header, ""))
	assert.Equal(t, x402.ReasonReplay, body.Error)
	assert.Equal(t, int32(2), ts.calls.Load())
	assert.Equal(t, int32(0), ts.settled.Load())
}

func TestMiddleware_ErrorStatusReleasesNonce(t *testing.T) {
	ts := newTestServer(t)
	p := livePayment(t)

	w := ts.post("/broken", encode(t, p), "")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	rec, err := ts.store.Get(context.Background(), p.Payer(), p.Payload.Authorization.Nonce)
	require.NoError(t, err)
	assert.Equal(t, nonces.StatusReleased, rec.Status)
	assert.Equal(t, int32(0), ts.settled.Load())

	// The released authorization can buy the working endpoint.
	w = ts.post("/inference", encode(t, p), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_ConcurrentDuplicatesServeOnce(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	header := encode(t, livePayment(t))

	const n = 16
	var (
		wg       sync.WaitGroup
		ok, paid atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/inference", strings.NewReader(`{}`))
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set(x402.HeaderPayment, header)
			resp, err := http.DefaultClient.Do(req)
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusPaymentRequired:
				paid.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), paid.Load())
	assert.Equal(t, int32(1), ts.calls.Load())
}

func TestMiddleware_StoreDownFailsClosed(t *testing.T) {
	r := gin.New()
	var calls int
	r.POST("/inference", Middleware(Config{
		Verifier: NewVerifier(downStore{}),
		Quote:    func(*gin.Context) x402.PriceQuote { return quote() },
	}), func(c *gin.Context) {
		calls++
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/inference", strings.NewReader(`{}`))
	req.Header.Set(x402.HeaderPayment, encode(t, livePayment(t)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	body := decodeChallenge(t, w)
	assert.Equal(t, x402.ReasonStoreUnavailable, body.Error)
	assert.Zero(t, calls)
}

func TestFail_WithoutPaymentIsNoop(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	retryable, err := Fail(c)
	assert.NoError(t, err)
	assert.False(t, retryable)
	assert.Nil(t, GetSettlement(c))
	assert.Nil(t, GetPayment(c))
}
