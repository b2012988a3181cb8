package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
	"go.uber.org/zap"
)

// ErrDuplicate is returned when a position is already active for the same
// (user, symbol). A new signal never replaces a running monitor.
var ErrDuplicate = errors.New("position: already active")

type key struct {
	userID int64
	symbol string
}

type running struct {
	monitor *Monitor
	cancel  context.CancelFunc
}

// Supervisor owns every monitoring task. The registry is the only state
// shared between monitors and all mutations happen under the lock, so two
// concurrent signals for the same (user, symbol) can never spawn two
// monitors.
type Supervisor struct {
	log      *zap.Logger
	store    Store
	target   decimal.Decimal
	interval time.Duration

	lock     sync.Mutex
	monitors map[key]*running
	wg       sync.WaitGroup
}

func NewSupervisor(log *zap.Logger, store Store, target decimal.Decimal, interval time.Duration) *Supervisor {
	return &Supervisor{
		log:      log,
		store:    store,
		target:   target,
		interval: interval,
		monitors: make(map[key]*running),
	}
}

// Reserve claims the (user, symbol) slot before the order is placed, so
// two concurrent signals can't both reach the exchange. Release drops a
// claim whose order never happened.
func (s *Supervisor) Reserve(userID int64, symbol string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	k := key{userID, symbol}
	if _, ok := s.monitors[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, symbol)
	}
	s.monitors[k] = &running{}
	return nil
}

func (s *Supervisor) Release(userID int64, symbol string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	k := key{userID, symbol}
	if r, ok := s.monitors[k]; ok && r.monitor == nil {
		delete(s.monitors, k)
	}
}

// Track spawns the monitoring task for an opened position, filling a
// previous reservation if one exists. Every position gets exactly one
// monitor; the registry entry is removed atomically with task teardown.
func (s *Supervisor) Track(ctx context.Context, ex exchange.Exchange, pos *Position) error {
	k := key{pos.UserID, pos.Symbol}

	s.lock.Lock()
	r, ok := s.monitors[k]
	if ok && r.monitor != nil {
		s.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, pos.Symbol)
	}
	if !ok {
		r = &running{}
		s.monitors[k] = r
	}
	pos.Status = StatusOpen
	monitor := NewMonitor(s.log, ex, pos, s.target, s.interval, s.store.Update)
	mctx, cancel := context.WithCancel(ctx)
	r.monitor = monitor
	r.cancel = cancel
	s.wg.Add(1)
	s.lock.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.lock.Lock()
			delete(s.monitors, k)
			s.lock.Unlock()
			cancel()
		}()

		err := monitor.Run(mctx)
		if errors.Is(err, context.Canceled) {
			// Cancelled positions stay in the store so they can be
			// resumed later.
			return
		}
		if err != nil {
			s.log.Error("monitor stopped",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			return
		}
		if err := s.store.Delete(pos); err != nil {
			s.log.Warn("couldn't delete closed position",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
		}
	}()
	return nil
}

// Cancel stops the monitor for one position. It reports whether a monitor
// was running.
func (s *Supervisor) Cancel(userID int64, symbol string) bool {
	s.lock.Lock()
	r, ok := s.monitors[key{userID, symbol}]
	s.lock.Unlock()
	if !ok || r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// CancelUser stops every monitor belonging to one user.
func (s *Supervisor) CancelUser(userID int64) int {
	s.lock.Lock()
	var cancels []context.CancelFunc
	for k, r := range s.monitors {
		if k.userID == userID && r.cancel != nil {
			cancels = append(cancels, r.cancel)
		}
	}
	s.lock.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// CloseNow asks the monitor for one position to close it on its next tick
// regardless of the profit target.
func (s *Supervisor) CloseNow(userID int64, symbol string) bool {
	s.lock.Lock()
	r, ok := s.monitors[key{userID, symbol}]
	s.lock.Unlock()
	if !ok || r.monitor == nil {
		return false
	}
	r.monitor.CloseNow()
	return true
}

// Summary is a point-in-time view of one monitored position.
type Summary struct {
	Position Position
	Profit   decimal.Decimal
}

// Active returns a snapshot of the user's monitored positions, oldest
// first.
func (s *Supervisor) Active(userID int64) []Summary {
	s.lock.Lock()
	var monitors []*Monitor
	for k, r := range s.monitors {
		if k.userID == userID && r.monitor != nil {
			monitors = append(monitors, r.monitor)
		}
	}
	s.lock.Unlock()

	summaries := make([]Summary, 0, len(monitors))
	for _, m := range monitors {
		pos, profit := m.Snapshot()
		summaries = append(summaries, Summary{Position: pos, Profit: profit})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Position.OpenedAt.Before(summaries[j].Position.OpenedAt)
	})
	return summaries
}

// Shutdown cancels every monitor and waits for all of them to tear down,
// or until the context expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	for _, r := range s.monitors {
		if r.cancel != nil {
			r.cancel()
		}
	}
	s.lock.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
