// Package markets fetches prediction-market listings for agents deciding
// what to spend inference on. The listing is free; nothing here is paid.
package markets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fredagent/x402proxy/internal/metrics"
	"github.com/fredagent/x402proxy/internal/retry"
	"github.com/shopspring/decimal"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100

	maxBody = 4 << 20
)

var ErrUnavailable = errors.New("markets: source unavailable")

// Outcome is one side of a market with its implied probability.
type Outcome struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Market is a single listing.
type Market struct {
	ID       string          `json:"id"`
	Question string          `json:"question"`
	Slug     string          `json:"slug,omitempty"`
	Outcomes []Outcome       `json:"outcomes"`
	Volume   decimal.Decimal `json:"volume"`
	EndDate  *time.Time      `json:"endDate,omitempty"`
}

// Source lists open markets.
type Source interface {
	Fetch(ctx context.Context, limit int) ([]Market, error)
}

// HTTPSource reads a gamma-style JSON array of markets.
type HTTPSource struct {
	endpoint string
	client   *http.Client
	policy   retry.Policy
}

// NewHTTPSource creates a source for endpoint. A nil client gets a 10s
// timeout.
func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{endpoint: endpoint, client: client, policy: retry.DefaultPolicy}
}

// WithPolicy overrides the retry policy.
func (s *HTTPSource) WithPolicy(p retry.Policy) *HTTPSource {
	s.policy = p
	return s
}

// Fetch returns up to limit active markets.
func (s *HTTPSource) Fetch(ctx context.Context, limit int) ([]Market, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("markets: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("active", "true")
	q.Set("closed", "false")
	u.RawQuery = q.Encode()

	raw, err := retry.Value(ctx, s.policy, func(ctx context.Context) ([]gammaMarket, error) {
		return s.get(ctx, u.String())
	})
	metrics.ObserveUpstreamCall("markets", "fetch", err)
	if err != nil {
		return nil, err
	}

	out := make([]Market, 0, len(raw))
	for _, g := range raw {
		m, err := g.market()
		if err != nil {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *HTTPSource) get(ctx context.Context, u string) ([]gammaMarket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(fmt.Errorf("markets: unexpected status %d", resp.StatusCode))
	}

	var list []gammaMarket
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&list); err != nil {
		return nil, retry.Permanent(fmt.Errorf("markets: decode: %w", err))
	}
	return list, nil
}

// gammaMarket mirrors the upstream listing, where outcomes and prices
// arrive as JSON-encoded string arrays.
type gammaMarket struct {
	ID            string      `json:"id"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	Outcomes      stringList  `json:"outcomes"`
	OutcomePrices stringList  `json:"outcomePrices"`
	Volume        json.Number `json:"volume"`
	EndDate       string      `json:"endDate"`
}

func (g gammaMarket) market() (Market, error) {
	if g.ID == "" || g.Question == "" {
		return Market{}, errors.New("markets: listing without id or question")
	}
	m := Market{ID: g.ID, Question: g.Question, Slug: g.Slug}

	for i, name := range g.Outcomes {
		o := Outcome{Name: name}
		if i < len(g.OutcomePrices) {
			p, err := decimal.NewFromString(g.OutcomePrices[i])
			if err != nil {
				return Market{}, fmt.Errorf("markets: price %q: %w", g.OutcomePrices[i], err)
			}
			o.Price = p
		}
		m.Outcomes = append(m.Outcomes, o)
	}
	if g.Volume != "" {
		if v, err := decimal.NewFromString(g.Volume.String()); err == nil {
			m.Volume = v
		}
	}
	if t, err := time.Parse(time.RFC3339, g.EndDate); err == nil {
		m.EndDate = &t
	}
	return m, nil
}

// stringList accepts both ["a","b"] and "[\"a\",\"b\"]".
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if inner == "" {
			*l = nil
			return nil
		}
		data = []byte(inner)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*l = out
	return nil
}
