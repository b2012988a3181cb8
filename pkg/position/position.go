package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOpen       Status = "open"
	StatusMonitoring Status = "monitoring"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
	// StatusFailed means a close request was rejected. The position is
	// still economically open, so its monitor keeps running.
	StatusFailed Status = "failed"
)

var (
	// DefaultTarget is the profit fraction that triggers a close.
	DefaultTarget = decimal.NewFromFloat(0.15)

	// DefaultInterval is the monitoring poll interval.
	DefaultInterval = time.Second
)

// Position is one open trade. It is keyed by (UserID, Symbol): at most one
// active position per symbol per user. Only its monitor mutates it.
type Position struct {
	UserID     int64
	Symbol     string
	Side       exchange.Side
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	Leverage   int
	OrderID    string
	Status     Status
	OpenedAt   time.Time
	ClosedAt   time.Time
}

func New(userID int64, symbol string, side exchange.Side, entry, quantity decimal.Decimal, leverage int, orderID string) *Position {
	return &Position{
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Quantity:   quantity,
		Leverage:   leverage,
		OrderID:    orderID,
		Status:     StatusPending,
		OpenedAt:   time.Now().UTC(),
	}
}

// Profit is the signed profit fraction of price relative to the entry. A
// favorable move is a price increase for buys and a decrease for sells.
func (p *Position) Profit(price decimal.Decimal) decimal.Decimal {
	if p.Side == exchange.Sell {
		return p.EntryPrice.Sub(price).Div(p.EntryPrice)
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice)
}

// Monitor supervises a single open position until it is closed or the
// context is cancelled. It polls the market price on a fixed interval and
// closes the position with an opposite-side market order once the profit
// fraction reaches the target.
type Monitor struct {
	log      *zap.Logger
	exchange exchange.Exchange
	target   decimal.Decimal
	interval time.Duration
	update   func(*Position) error

	closeNow  chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	pos       *Position
	lastPrice decimal.Decimal
}

func NewMonitor(log *zap.Logger, ex exchange.Exchange, pos *Position, target decimal.Decimal, interval time.Duration, update func(*Position) error) *Monitor {
	return &Monitor{
		log:      log,
		exchange: ex,
		target:   target,
		interval: interval,
		update:   update,
		closeNow: make(chan struct{}),
		pos:      pos,
	}
}

// Snapshot returns a copy of the position and the profit fraction at the
// last observed price, for on-demand status queries. Progress is never
// pushed per tick.
func (m *Monitor) Snapshot() (Position, decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profit := decimal.Zero
	if !m.lastPrice.IsZero() {
		profit = m.pos.Profit(m.lastPrice)
	}
	return *m.pos, profit
}

// CloseNow asks the monitor to close the position on its next tick,
// regardless of the profit target.
func (m *Monitor) CloseNow() {
	m.closeOnce.Do(func() { close(m.closeNow) })
}

// Run drives the monitoring loop. It returns nil once the position is
// closed; the only other way out is context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	m.setStatus(StatusMonitoring)
	m.persist()

	// First price check runs immediately, the rest on the interval.
	first := make(chan time.Time)
	close(first)
	tick := (<-chan time.Time)(first)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	closeNow := m.closeNow
	var force bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-closeNow:
			closeNow = nil
			force = true
		}
		tick = ticker.C

		price, err := m.exchange.Price(ctx, m.pos.Symbol)
		if err != nil {
			// Transient: the next tick retries.
			m.log.Warn("price lookup failed",
				zap.String("symbol", m.pos.Symbol),
				zap.Error(err))
			if !force {
				continue
			}
		} else {
			m.observe(price)
		}

		profit := m.pos.Profit(price)
		if !force && profit.LessThan(m.target) {
			continue
		}

		m.setStatus(StatusClosing)
		if _, err := m.exchange.Close(ctx, m.pos.Symbol, m.pos.Side); err != nil {
			// Never drop the position silently: flag it and keep the loop
			// alive so the close is retried on a later tick.
			m.setStatus(StatusFailed)
			m.persist()
			m.log.Error("couldn't close position",
				zap.String("symbol", m.pos.Symbol),
				zap.Error(err))
			force = true
			continue
		}

		m.mu.Lock()
		m.pos.Status = StatusClosed
		m.pos.ClosedAt = time.Now().UTC()
		m.mu.Unlock()
		m.persist()
		m.log.Info("position closed",
			zap.String("symbol", m.pos.Symbol),
			zap.String("profit", profit.String()))
		return nil
	}
}

func (m *Monitor) observe(price decimal.Decimal) {
	m.mu.Lock()
	m.lastPrice = price
	m.mu.Unlock()
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	m.pos.Status = s
	m.mu.Unlock()
}

func (m *Monitor) persist() {
	if err := m.update(m.pos); err != nil {
		m.log.Warn("couldn't persist position",
			zap.String("symbol", m.pos.Symbol),
			zap.Error(err))
	}
}
