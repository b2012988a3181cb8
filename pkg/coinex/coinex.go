package coinex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL = "https://api.coinex.com"

	// No timeout is documented upstream, but a stuck request would stall a
	// monitoring tick, so the client always imposes one.
	defaultTimeout = 5 * time.Second

	// Pause applied once per call when a soft-throttle code comes back.
	softThrottleWait = time.Second
)

// Application codes that signal soft throttling, distinct from HTTP 429.
var softThrottleCodes = map[int]bool{
	3008: true,
	4001: true,
	4213: true,
}

var zero = decimal.Decimal{}

// Client is an authenticated CoinEx v2 REST client. Each user gets their
// own Client; nothing is shared across users.
type Client struct {
	key      string
	signer   *Signer
	base     string
	http     *http.Client
	limiters map[category]*rate.Limiter
	log      *zap.Logger
	sleep    func(time.Duration)
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.base = u }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func withSleep(f func(time.Duration)) Option {
	return func(c *Client) { c.sleep = f }
}

func New(log *zap.Logger, key, secret string, opts ...Option) *Client {
	c := &Client{
		key:      key,
		signer:   NewSigner(secret),
		base:     baseURL,
		http:     &http.Client{Timeout: defaultTimeout},
		limiters: newLimiters(),
		log:      log,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do signs and dispatches one request, running the response through the
// rate-limit interpreter before handing the body back. GET parameters go
// in the query string, POST parameters in the JSON body; both are part of
// the signed text.
func (c *Client) do(ctx context.Context, cat category, method, path string, params map[string]string) (*response, error) {
	if !c.limiters[cat].Allow() {
		return nil, exchange.ErrRateLimited
	}

	var body []byte
	var query string
	if len(params) > 0 {
		switch method {
		case http.MethodGet:
			query = encodeParams(params)
		case http.MethodPost:
			b, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("coinex: couldn't encode params: %w", err)
			}
			body = b
		}
	}

	var sig, ts string
	if method == http.MethodGet {
		sig, ts = c.signer.Sign(method, path, params, nil)
	} else {
		sig, ts = c.signer.Sign(method, path, nil, body)
	}

	u := c.base + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coinex: couldn't create request: %w", err)
	}
	req.Header.Set("X-COINEX-KEY", c.key)
	req.Header.Set("X-COINEX-SIGN", sig)
	req.Header.Set("X-COINEX-TIMESTAMP", ts)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &exchange.TransportError{Err: err}
	}
	defer resp.Body.Close()

	st := parseRateLimit(resp.Header)
	if st.exceeded(resp.StatusCode) {
		return nil, exchange.ErrRateLimited
	}
	if st.HasRemaining && st.HasLimit {
		c.log.Debug("rate limit",
			zap.Int("remaining", st.Remaining),
			zap.Int("limit", st.Limit))
	}
	for period, remaining := range st.LongPeriods {
		c.log.Debug("long period rate limit",
			zap.String("period", period),
			zap.Int("remaining", remaining))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exchange.TransportError{Err: err}
	}
	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("coinex: couldn't decode response: %w", err)
	}
	if softThrottleCodes[out.Code] {
		// One fixed pause per call, then the result goes back to the
		// caller as-is. Retrying is the caller's decision.
		c.log.Warn("soft throttle",
			zap.Int("code", out.Code),
			zap.String("message", out.Message))
		c.sleep(softThrottleWait)
	}
	return &out, nil
}

func (c *Client) Price(ctx context.Context, market string) (decimal.Decimal, error) {
	resp, err := c.do(ctx, categoryQuery, http.MethodGet, "/v2/market/detail", map[string]string{
		"market": strings.ToUpper(market),
	})
	if err != nil {
		return zero, err
	}
	if resp.Code != 0 {
		return zero, &exchange.Error{Code: resp.Code, Message: resp.Message}
	}
	var data struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return zero, fmt.Errorf("coinex: couldn't decode market detail: %w", err)
	}
	price, err := decimal.NewFromString(data.Last)
	if err != nil {
		return zero, fmt.Errorf("coinex: couldn't parse price %s: %w", data.Last, err)
	}
	return price, nil
}

func (c *Client) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	resp, err := c.do(ctx, categoryAccount, http.MethodGet, "/v2/assets/spot/balance", nil)
	if err != nil {
		return zero, err
	}
	if resp.Code != 0 {
		return zero, &exchange.Error{Code: resp.Code, Message: resp.Message}
	}
	var data []struct {
		Currency  string `json:"ccy"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return zero, fmt.Errorf("coinex: couldn't decode balances: %w", err)
	}
	for _, b := range data {
		if b.Currency != currency {
			continue
		}
		available, err := decimal.NewFromString(b.Available)
		if err != nil {
			return zero, fmt.Errorf("coinex: couldn't parse balance %s: %w", b.Available, err)
		}
		return available, nil
	}
	return zero, fmt.Errorf("coinex: balance for %s not found", currency)
}

func (c *Client) PlaceMarket(ctx context.Context, market string, side exchange.Side, amount decimal.Decimal) (*exchange.Order, error) {
	return c.placeOrder(ctx, map[string]string{
		"market": strings.ToUpper(market),
		"type":   "market",
		"amount": amount.String(),
		"side":   string(side),
	}, side, amount, zero)
}

func (c *Client) PlaceLimit(ctx context.Context, market string, side exchange.Side, amount, price decimal.Decimal) (*exchange.Order, error) {
	return c.placeOrder(ctx, map[string]string{
		"market": strings.ToUpper(market),
		"type":   "limit",
		"amount": amount.String(),
		"price":  price.String(),
		"side":   string(side),
	}, side, amount, price)
}

func (c *Client) Close(ctx context.Context, market string, side exchange.Side) (*exchange.Order, error) {
	opposite := side.Opposite()
	return c.placeOrder(ctx, map[string]string{
		"market": strings.ToUpper(market),
		"type":   "market",
		"side":   string(opposite),
	}, opposite, zero, zero)
}

func (c *Client) placeOrder(ctx context.Context, params map[string]string, side exchange.Side, amount, price decimal.Decimal) (*exchange.Order, error) {
	resp, err := c.do(ctx, categoryOrder, http.MethodPost, "/v2/spot/order", params)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &exchange.Error{Code: resp.Code, Message: resp.Message}
	}
	var data struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("coinex: couldn't decode order: %w", err)
	}
	return &exchange.Order{
		ID:     data.ID.String(),
		Market: params["market"],
		Side:   side,
		Amount: amount,
		Price:  price,
	}, nil
}
