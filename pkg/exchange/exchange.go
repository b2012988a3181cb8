package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the order side on the exchange.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is the exchange's acknowledgement of a placed order.
type Order struct {
	ID     string
	Market string
	Side   Side
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// Exchange is the authenticated trading surface used by the rest of the
// bot. All monetary values are decimals and cross the wire as strings.
type Exchange interface {
	Price(ctx context.Context, market string) (decimal.Decimal, error)
	Balance(ctx context.Context, currency string) (decimal.Decimal, error)
	PlaceMarket(ctx context.Context, market string, side Side, amount decimal.Decimal) (*Order, error)
	PlaceLimit(ctx context.Context, market string, side Side, amount, price decimal.Decimal) (*Order, error)
	// Close submits an opposite-side market order for an open position.
	// The side argument is the side of the position being closed.
	Close(ctx context.Context, market string, side Side) (*Order, error)
}

// ErrRateLimited means a request window is exhausted, either reported by
// the exchange or detected by the local budget. The client never retries
// on its own; the caller decides when to try again.
var ErrRateLimited = errors.New("exchange: rate limit exceeded")

// Error is a rejection from the exchange. Code and message are surfaced
// verbatim.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange: code %d: %s", e.Code, e.Message)
}

// TransportCode marks responses that never came from the exchange.
const TransportCode = -1

// TransportError normalizes network-level failures (timeouts, DNS,
// connection resets) so that callers always get a decodable result.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("exchange: code %d: request failed: %v", TransportCode, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
