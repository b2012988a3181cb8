package hartza

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
	"github.com/uxoa/hartza/pkg/position"
	"github.com/uxoa/hartza/pkg/signal"
	"github.com/uxoa/hartza/pkg/sizing"
	"go.uber.org/zap"
)

// Credentials authenticates one user against the exchange. They are
// opaque: nothing in the bot logs or inspects them.
type Credentials struct {
	Key    string
	Secret string
}

// CredentialStore resolves the exchange credentials of a user.
type CredentialStore interface {
	Credentials(userID int64) (Credentials, error)
}

// FormatStore resolves the signal formats registered for a user, in
// matching order.
type FormatStore interface {
	Formats(userID int64) ([]*signal.Format, error)
}

// ExchangeFactory builds an exchange client for one user's credentials.
type ExchangeFactory func(Credentials) exchange.Exchange

// Notifier delivers user-facing messages; chatID 0 targets the control
// chat.
type Notifier interface {
	Notify(chatID int64, text string)
}

// OutcomeKind classifies what happened to one incoming message.
type OutcomeKind int

const (
	// OutcomeNoMatch means no registered format recognized the text. Not
	// an error: most chat messages aren't signals.
	OutcomeNoMatch OutcomeKind = iota
	// OutcomeRejected means a signal was recognized but not traded.
	OutcomeRejected
	// OutcomeExecuted means an order was placed and a monitor started.
	OutcomeExecuted
)

// Outcome reports the result of processing one message.
type Outcome struct {
	Kind     OutcomeKind
	Signal   *signal.Signal
	Position *position.Position
	Reason   string
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeExecuted:
		p := o.Position
		return fmt.Sprintf("✅ opened %s %s x%d: %s @ %s",
			o.Signal.Side, p.Symbol, p.Leverage, p.Quantity, p.EntryPrice)
	case OutcomeRejected:
		symbol := "?"
		if o.Signal != nil {
			symbol = o.Signal.Symbol
		}
		return fmt.Sprintf("⚠️ rejected %s: %s", symbol, o.Reason)
	default:
		return "🤷 not a signal"
	}
}

type session struct {
	exchange exchange.Exchange
	formats  []*signal.Format
}

// Bot routes chat messages through parse, size, order and monitor. Each
// user gets an isolated session; one user's failure never affects
// another's positions.
type Bot struct {
	log         *zap.Logger
	credentials CredentialStore
	formats     FormatStore
	factory     ExchangeFactory
	store       position.Store
	supervisor  *position.Supervisor
	notifier    Notifier
	currency    string
	risk        decimal.Decimal

	lock     sync.Mutex
	sessions map[int64]*session
	wg       sync.WaitGroup
}

type Config struct {
	Credentials CredentialStore
	Formats     FormatStore
	Factory     ExchangeFactory
	Store       position.Store
	Supervisor  *position.Supervisor
	Notifier    Notifier
	Currency    string
	Risk        decimal.Decimal
}

func NewBot(log *zap.Logger, cfg Config) *Bot {
	risk := cfg.Risk
	if risk.IsZero() {
		risk = sizing.DefaultRisk
	}
	return &Bot{
		log:         log,
		credentials: cfg.Credentials,
		formats:     cfg.Formats,
		factory:     cfg.Factory,
		store:       cfg.Store,
		supervisor:  cfg.Supervisor,
		notifier:    cfg.Notifier,
		currency:    cfg.Currency,
		risk:        risk,
		sessions:    make(map[int64]*session),
	}
}

func (b *Bot) session(userID int64) (*session, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if s, ok := b.sessions[userID]; ok {
		return s, nil
	}
	creds, err := b.credentials.Credentials(userID)
	if err != nil {
		return nil, fmt.Errorf("hartza: no credentials for user %d: %w", userID, err)
	}
	formats, err := b.formats.Formats(userID)
	if err != nil {
		return nil, fmt.Errorf("hartza: no formats for user %d: %w", userID, err)
	}
	s := &session{exchange: b.factory(creds), formats: formats}
	b.sessions[userID] = s
	return s, nil
}

// Handle processes one chat message in the background and notifies the
// outcome. The caller returns immediately so a slow exchange never stalls
// message delivery.
func (b *Bot) Handle(ctx context.Context, userID int64, text string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		outcome, err := b.Process(ctx, userID, text)
		if err != nil {
			b.log.Error("couldn't process message",
				zap.Int64("user", userID),
				zap.Error(err))
			b.notify(fmt.Sprintf("❌ %v", err))
			return
		}
		if outcome.Kind == OutcomeNoMatch {
			// Most chat traffic isn't signals; log for audit and move on.
			b.log.Debug("no format matched", zap.Int64("user", userID))
			return
		}
		b.notify(outcome.String())
	}()
}

// Process runs the full pipeline for one message: parse, claim the
// (user, symbol) slot, size, order and start monitoring. Rejections are
// outcomes, not errors; the error return is reserved for faults like a
// missing session or a broken store.
func (b *Bot) Process(ctx context.Context, userID int64, text string) (Outcome, error) {
	s, err := b.session(userID)
	if err != nil {
		return Outcome{}, err
	}

	sig, err := signal.Parse(text, s.formats)
	var noMatch *signal.NoMatchError
	if errors.As(err, &noMatch) {
		return Outcome{Kind: OutcomeNoMatch}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	// Claim the slot before touching the exchange so two concurrent
	// signals for the same symbol can't both place an order.
	if err := b.supervisor.Reserve(userID, sig.Symbol); err != nil {
		if errors.Is(err, position.ErrDuplicate) {
			return Outcome{Kind: OutcomeRejected, Signal: sig, Reason: "position already open"}, nil
		}
		return Outcome{}, err
	}

	pos, reason, err := b.open(ctx, s, userID, sig)
	if err != nil || pos == nil {
		b.supervisor.Release(userID, sig.Symbol)
		if err != nil {
			return Outcome{Kind: OutcomeRejected, Signal: sig, Reason: err.Error()}, nil
		}
		return Outcome{Kind: OutcomeRejected, Signal: sig, Reason: reason}, nil
	}
	if err := b.supervisor.Track(ctx, s.exchange, pos); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeExecuted, Signal: sig, Position: pos}, nil
}

// open places the entry order and returns the resulting position, or a
// reason why no order was placed.
func (b *Bot) open(ctx context.Context, s *session, userID int64, sig *signal.Signal) (*position.Position, string, error) {
	price, err := s.exchange.Price(ctx, sig.Symbol)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't get price for %s: %w", sig.Symbol, err)
	}
	balance, err := s.exchange.Balance(ctx, b.currency)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't get %s balance: %w", b.currency, err)
	}
	quantity := sizing.Quantity(balance, price, b.risk)
	if !sizing.Tradable(quantity) {
		return nil, fmt.Sprintf("quantity %s below minimum", quantity), nil
	}
	side := sig.Side.OrderSide()
	order, err := s.exchange.PlaceMarket(ctx, sig.Symbol, side, quantity)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't place order for %s: %w", sig.Symbol, err)
	}
	return position.New(userID, sig.Symbol, side, price, quantity, sig.Leverage, order.ID), "", nil
}

// Resume restarts monitors for the open positions left in the store by a
// previous run.
func (b *Bot) Resume(ctx context.Context) error {
	positions, err := b.store.List(true)
	if err != nil {
		return fmt.Errorf("hartza: couldn't list stored positions: %w", err)
	}
	for _, pos := range positions {
		s, err := b.session(pos.UserID)
		if err != nil {
			b.log.Warn("couldn't resume position",
				zap.Int64("user", pos.UserID),
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			continue
		}
		if err := b.supervisor.Track(ctx, s.exchange, pos); err != nil {
			b.log.Warn("couldn't resume position",
				zap.Int64("user", pos.UserID),
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			continue
		}
		b.log.Info("resumed position",
			zap.Int64("user", pos.UserID),
			zap.String("symbol", pos.Symbol))
	}
	return nil
}

// Status formats the user's monitored positions for chat.
func (b *Bot) Status(userID int64) string {
	active := b.supervisor.Active(userID)
	if len(active) == 0 {
		return "no positions running"
	}
	sb := &strings.Builder{}
	for _, a := range active {
		emoji := "📈"
		if a.Profit.LessThan(decimal.Zero) {
			emoji = "📉"
		}
		elapsed := time.Since(a.Position.OpenedAt).Round(time.Second)
		fmt.Fprintf(sb, "%s %s %s %s%% %s\n",
			emoji, a.Position.Symbol, a.Position.Side,
			a.Profit.Mul(decimal.NewFromInt(100)).StringFixed(2), elapsed)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Close asks the monitor for one symbol to close the position on its next
// tick.
func (b *Bot) Close(userID int64, symbol string) bool {
	return b.supervisor.CloseNow(userID, strings.ToUpper(symbol))
}

// Logout cancels the user's monitors and drops the session. Cancelled
// positions stay in the store and resume on the next login.
func (b *Bot) Logout(userID int64) int {
	n := b.supervisor.CancelUser(userID)
	b.lock.Lock()
	delete(b.sessions, userID)
	b.lock.Unlock()
	return n
}

// Shutdown waits for in-flight messages and tears down every monitor.
func (b *Bot) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	return b.supervisor.Shutdown(ctx)
}

func (b *Bot) notify(text string) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(0, text)
}

// StaticCredentials serves the same credentials to every user, for
// single-user deployments.
func StaticCredentials(creds Credentials) CredentialStore {
	return staticCredentials{creds}
}

type staticCredentials struct {
	creds Credentials
}

func (s staticCredentials) Credentials(int64) (Credentials, error) {
	return s.creds, nil
}

// StaticFormats serves the same format list to every user.
func StaticFormats(formats []*signal.Format) FormatStore {
	return staticFormats{formats}
}

type staticFormats struct {
	formats []*signal.Format
}

func (s staticFormats) Formats(int64) ([]*signal.Format, error) {
	return s.formats, nil
}
