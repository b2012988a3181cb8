package coinex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithHTTPClient(srv.Client())}, opts...)
	return New(zap.NewNop(), "test-key", "test-secret", opts...), srv
}

func TestPrice(t *testing.T) {
	signer := NewSigner("test-secret")
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-COINEX-KEY"); got != "test-key" {
			t.Errorf("wrong key header: %s", got)
		}
		ts := r.Header.Get("X-COINEX-TIMESTAMP")
		if ts == "" {
			t.Error("missing timestamp header")
		}
		params := map[string]string{}
		for k, v := range r.URL.Query() {
			params[k] = v[0]
		}
		want := signer.SignAt(r.Method, r.URL.Path, params, nil, ts)
		if got := r.Header.Get("X-COINEX-SIGN"); got != want {
			t.Errorf("wrong signature: want %s, got %s", want, got)
		}
		_, _ = io.WriteString(w, `{"code":0,"message":"OK","data":{"last":"45000.50"}}`)
	})

	price, err := client.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.RequireFromString("45000.50"); !price.Equal(want) {
		t.Errorf("wrong price: want %s, got %s", want, price)
	}
}

func TestPlaceMarket(t *testing.T) {
	signer := NewSigner("test-secret")
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		ts := r.Header.Get("X-COINEX-TIMESTAMP")
		want := signer.SignAt(r.Method, r.URL.Path, nil, body, ts)
		if got := r.Header.Get("X-COINEX-SIGN"); got != want {
			t.Errorf("wrong signature: want %s, got %s", want, got)
		}
		var params map[string]string
		if err := json.Unmarshal(body, &params); err != nil {
			t.Fatal(err)
		}
		if params["market"] != "BTCUSDT" || params["type"] != "market" ||
			params["side"] != "buy" || params["amount"] != "0.0011" {
			t.Errorf("wrong order params: %v", params)
		}
		_, _ = io.WriteString(w, `{"code":0,"message":"OK","data":{"id":123456}}`)
	})

	order, err := client.PlaceMarket(context.Background(), "btcusdt", exchange.Buy, decimal.RequireFromString("0.0011"))
	if err != nil {
		t.Fatal(err)
	}
	if order.ID != "123456" {
		t.Errorf("wrong order id: %s", order.ID)
	}
	if order.Side != exchange.Buy {
		t.Errorf("wrong order side: %s", order.Side)
	}
}

func TestCloseUsesOppositeSide(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var params map[string]string
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &params); err != nil {
			t.Fatal(err)
		}
		if params["side"] != "sell" {
			t.Errorf("wrong close side: %s", params["side"])
		}
		if params["type"] != "market" {
			t.Errorf("wrong close type: %s", params["type"])
		}
		_, _ = io.WriteString(w, `{"code":0,"message":"OK","data":{"id":99}}`)
	})

	order, err := client.Close(context.Background(), "BTCUSDT", exchange.Buy)
	if err != nil {
		t.Fatal(err)
	}
	if order.Side != exchange.Sell {
		t.Errorf("wrong order side: %s", order.Side)
	}
}

func TestRateLimited(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http 429",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "remaining header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Limit", "50")
				_, _ = io.WriteString(w, `{"code":0,"message":"OK","data":{}}`)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			_, err := client.Price(context.Background(), "BTCUSDT")
			if !errors.Is(err, exchange.ErrRateLimited) {
				t.Errorf("want ErrRateLimited, got %v", err)
			}
		})
	}
}

func TestSoftThrottlePausesOnce(t *testing.T) {
	var slept []time.Duration
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":4213,"message":"too busy","data":{}}`)
	}, withSleep(func(d time.Duration) {
		slept = append(slept, d)
	}))

	_, err := client.Price(context.Background(), "BTCUSDT")
	var exErr *exchange.Error
	if !errors.As(err, &exErr) {
		t.Fatalf("want exchange error, got %v", err)
	}
	if exErr.Code != 4213 || exErr.Message != "too busy" {
		t.Errorf("exchange error not surfaced verbatim: %v", exErr)
	}
	if len(slept) != 1 || slept[0] != softThrottleWait {
		t.Errorf("want exactly one backoff pause, got %v", slept)
	}
}

func TestExchangeRejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":227,"message":"balance not enough","data":{}}`)
	})

	_, err := client.PlaceMarket(context.Background(), "BTCUSDT", exchange.Buy, decimal.NewFromInt(1))
	var exErr *exchange.Error
	if !errors.As(err, &exErr) {
		t.Fatalf("want exchange error, got %v", err)
	}
	if exErr.Code != 227 || exErr.Message != "balance not enough" {
		t.Errorf("exchange error not surfaced verbatim: %v", exErr)
	}
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client := New(zap.NewNop(), "k", "s", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	srv.Close()

	_, err := client.Price(context.Background(), "BTCUSDT")
	var trErr *exchange.TransportError
	if !errors.As(err, &trErr) {
		t.Fatalf("want transport error, got %v", err)
	}
}

func TestLocalBudget(t *testing.T) {
	var calls int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = io.WriteString(w, `{"code":0,"message":"OK","data":[{"ccy":"USDT","available":"100"}]}`)
	})

	// The account budget is 10/s; burning through it must fail fast with
	// ErrRateLimited instead of blocking.
	var limited bool
	for i := 0; i < 15; i++ {
		_, err := client.Balance(context.Background(), "USDT")
		if errors.Is(err, exchange.ErrRateLimited) {
			limited = true
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if !limited {
		t.Error("local budget never tripped")
	}
	if calls > 11 {
		t.Errorf("too many requests reached the server: %d", calls)
	}
}
