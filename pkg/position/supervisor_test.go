package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uxoa/hartza/pkg/exchange"
	"go.uber.org/zap"
)

func TestReserveExclusive(t *testing.T) {
	s := NewSupervisor(zap.NewNop(), &memStore{}, DefaultTarget, time.Millisecond)

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Reserve(1, "BTCUSDT")
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicate):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Errorf("want exactly one reservation, got ok=%d dup=%d", ok, dup)
	}

	// A different symbol or user is unaffected
	if err := s.Reserve(1, "ETHUSDT"); err != nil {
		t.Errorf("other symbol rejected: %v", err)
	}
	if err := s.Reserve(2, "BTCUSDT"); err != nil {
		t.Errorf("other user rejected: %v", err)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	s := NewSupervisor(zap.NewNop(), &memStore{}, DefaultTarget, time.Millisecond)
	if err := s.Reserve(1, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	s.Release(1, "BTCUSDT")
	if err := s.Reserve(1, "BTCUSDT"); err != nil {
		t.Errorf("released slot still taken: %v", err)
	}
}

func TestTrackRejectsDuplicate(t *testing.T) {
	s := NewSupervisor(zap.NewNop(), &memStore{}, DefaultTarget, time.Millisecond)
	ex := newMockExchange("100")

	pos := New(1, "BTCUSDT", exchange.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), 10, "1")
	if err := s.Track(context.Background(), ex, pos); err != nil {
		t.Fatal(err)
	}
	defer shutdown(t, s)

	dup := New(1, "BTCUSDT", exchange.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), 10, "2")
	if err := s.Track(context.Background(), ex, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("want ErrDuplicate, got %v", err)
	}
}

func TestTrackTeardownFreesKey(t *testing.T) {
	store := &memStore{}
	s := NewSupervisor(zap.NewNop(), store, DefaultTarget, time.Millisecond)
	ex := newMockExchange("200")

	pos := New(1, "BTCUSDT", exchange.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), 10, "1")
	if err := s.Track(context.Background(), ex, pos); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(s.Active(1)) == 0 })
	if err := s.Reserve(1, "BTCUSDT"); err != nil {
		t.Errorf("key not freed after close: %v", err)
	}
	if store.deleted != 1 {
		t.Errorf("closed position not removed from store: deleted=%d", store.deleted)
	}
}

func TestCancelKeepsStoredPosition(t *testing.T) {
	store := &memStore{}
	s := NewSupervisor(zap.NewNop(), store, DefaultTarget, time.Millisecond)
	ex := newMockExchange("100")

	pos := New(1, "BTCUSDT", exchange.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), 10, "1")
	if err := s.Track(context.Background(), ex, pos); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Active(1)) == 1 })

	if !s.Cancel(1, "BTCUSDT") {
		t.Fatal("cancel didn't find the monitor")
	}
	waitFor(t, func() bool { return len(s.Active(1)) == 0 })
	if store.deleted != 0 {
		t.Error("cancelled position must stay in the store for resume")
	}
}

func TestCloseNow(t *testing.T) {
	s := NewSupervisor(zap.NewNop(), &memStore{}, DefaultTarget, time.Millisecond)
	ex := newMockExchange("101")

	pos := New(1, "BTCUSDT", exchange.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), 10, "1")
	if err := s.Track(context.Background(), ex, pos); err != nil {
		t.Fatal(err)
	}
	if !s.CloseNow(1, "BTCUSDT") {
		t.Fatal("close now didn't find the monitor")
	}
	waitFor(t, func() bool { return len(s.Active(1)) == 0 })

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.closes != 1 {
		t.Errorf("close now didn't close the position: closes=%d", ex.closes)
	}
}

func TestShutdown(t *testing.T) {
	s := NewSupervisor(zap.NewNop(), &memStore{}, DefaultTarget, time.Millisecond)
	ex := newMockExchange("100")

	for i, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		pos := New(int64(i), symbol, exchange.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), 10, "1")
		if err := s.Track(context.Background(), ex, pos); err != nil {
			t.Fatal(err)
		}
	}
	shutdown(t, s)
	for i := range []int{0, 1, 2} {
		if got := len(s.Active(int64(i))); got != 0 {
			t.Errorf("user %d still has %d monitors after shutdown", i, got)
		}
	}
}

func shutdown(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

// memStore counts mutations; List is unused by the supervisor.
type memStore struct {
	mu      sync.Mutex
	updates int
	deleted int
}

func (s *memStore) List(open bool) ([]*Position, error) { return nil, nil }

func (s *memStore) Update(*Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return nil
}

func (s *memStore) Delete(*Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted++
	return nil
}
