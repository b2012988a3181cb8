package coinex

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
	"go.uber.org/zap"
)

// dryClient uses real market prices but fakes balance and orders, so the
// whole pipeline can run without touching funds.
type dryClient struct {
	*Client
	balance decimal.Decimal
	seq     int64
}

func NewDry(log *zap.Logger, opts ...Option) exchange.Exchange {
	return &dryClient{
		Client:  New(log, "", "", opts...),
		balance: decimal.NewFromInt(1000),
	}
}

func (c *dryClient) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	return c.balance, nil
}

func (c *dryClient) PlaceMarket(ctx context.Context, market string, side exchange.Side, amount decimal.Decimal) (*exchange.Order, error) {
	price, err := c.Price(ctx, market)
	if err != nil {
		return nil, err
	}
	return &exchange.Order{
		ID:     c.nextID(),
		Market: market,
		Side:   side,
		Amount: amount,
		Price:  price,
	}, nil
}

func (c *dryClient) PlaceLimit(ctx context.Context, market string, side exchange.Side, amount, price decimal.Decimal) (*exchange.Order, error) {
	return &exchange.Order{
		ID:     c.nextID(),
		Market: market,
		Side:   side,
		Amount: amount,
		Price:  price,
	}, nil
}

func (c *dryClient) Close(ctx context.Context, market string, side exchange.Side) (*exchange.Order, error) {
	return &exchange.Order{
		ID:     c.nextID(),
		Market: market,
		Side:   side.Opposite(),
	}, nil
}

func (c *dryClient) nextID() string {
	return fmt.Sprintf("dry-%d", atomic.AddInt64(&c.seq, 1))
}
