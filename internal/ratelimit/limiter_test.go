package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

type failingStore struct {
	err error
}

func (s *failingStore) Count(context.Context, string) (int64, error) { return 0, s.err }
func (s *failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, s.err
}

func TestCheckAllowsUnderCeiling(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{DefaultCeiling: 2}, NewMemoryStore(), logx.Nop())
	ctx := context.Background()

	if d := l.Check(ctx, 1, ""); d != Allowed {
		t.Fatalf("decision = %v, want Allowed", d)
	}
	l.Register(ctx, 1)
	if d := l.Check(ctx, 1, ""); d != Allowed {
		t.Fatalf("decision = %v, want Allowed after one send", d)
	}
	l.Register(ctx, 1)
	if d := l.Check(ctx, 1, ""); d != Limited {
		t.Fatalf("decision = %v, want Limited at the ceiling", d)
	}
}

func TestCheckOnlyRegisteredSendsCount(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{DefaultCeiling: 1}, NewMemoryStore(), logx.Nop())
	ctx := context.Background()

	// Checking repeatedly must not consume budget.
	for i := 0; i < 5; i++ {
		if d := l.Check(ctx, 1, ""); d != Allowed {
			t.Fatalf("check %d: decision = %v, want Allowed", i, d)
		}
	}
}

func TestTierCeilingOverridesDefault(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{
		DefaultCeiling: 1,
		Ceilings:       map[string]int{"pro": 3},
	}, NewMemoryStore(), logx.Nop())
	ctx := context.Background()

	l.Register(ctx, 1)
	if d := l.Check(ctx, 1, ""); d != Limited {
		t.Fatalf("default tier: decision = %v, want Limited", d)
	}
	if d := l.Check(ctx, 1, "pro"); d != Allowed {
		t.Fatalf("pro tier: decision = %v, want Allowed", d)
	}
	if d := l.Check(ctx, 1, "unknown-tier"); d != Limited {
		t.Fatalf("unknown tier: decision = %v, want the default ceiling", d)
	}
}

func TestWindowRolloverResetsCount(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{Window: time.Hour, DefaultCeiling: 1}, NewMemoryStore(), logx.Nop())
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.Register(ctx, 1)
	if d := l.Check(ctx, 1, ""); d != Limited {
		t.Fatalf("decision = %v, want Limited in the first window", d)
	}

	l.now = func() time.Time { return base.Add(time.Hour) }
	if d := l.Check(ctx, 1, ""); d != Allowed {
		t.Fatalf("decision = %v, want Allowed after the window rolled over", d)
	}
}

func TestSubSecondWindow(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{Window: 500 * time.Millisecond, DefaultCeiling: 1}, NewMemoryStore(), logx.Nop())
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	if d := l.Check(ctx, 1, ""); d != Allowed {
		t.Fatalf("decision = %v, want Allowed", d)
	}
	l.Register(ctx, 1)
	if d := l.Check(ctx, 1, ""); d != Limited {
		t.Fatalf("decision = %v, want Limited at the ceiling", d)
	}

	// Half a second later the window has rolled and the budget is fresh.
	l.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	if d := l.Check(ctx, 1, ""); d != Allowed {
		t.Fatalf("decision = %v, want Allowed in the next window", d)
	}
}

func TestRecipientsAreIndependent(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{DefaultCeiling: 1}, NewMemoryStore(), logx.Nop())
	ctx := context.Background()

	l.Register(ctx, 1)
	if d := l.Check(ctx, 1, ""); d != Limited {
		t.Fatalf("recipient 1: decision = %v, want Limited", d)
	}
	if d := l.Check(ctx, 2, ""); d != Allowed {
		t.Fatalf("recipient 2: decision = %v, want Allowed", d)
	}
}

func TestStoreFailureAnswersUnknown(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{}, &failingStore{err: errors.New("redis down")}, logx.Nop())
	if d := l.Check(context.Background(), 1, ""); d != Unknown {
		t.Fatalf("decision = %v, want Unknown on store failure", d)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	store := &failingStore{err: errors.New("redis down")}
	l := NewLimiter(Config{}, store, logx.Nop())
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	// Trip threshold is 5 consecutive failures.
	for i := 0; i < 5; i++ {
		l.Check(ctx, 1, "")
	}
	if open, _ := l.breaker.isOpen(now); !open {
		t.Fatal("breaker closed after 5 consecutive failures, want open")
	}

	// While open, the store is not touched and the answer stays Unknown.
	store.err = nil
	if d := l.Check(ctx, 1, ""); d != Unknown {
		t.Fatalf("decision = %v, want Unknown while the circuit is open", d)
	}

	// After the cooldown the next probe hits the now-healthy store.
	now = now.Add(time.Minute)
	if d := l.Check(ctx, 1, ""); d != Allowed {
		t.Fatalf("decision = %v, want Allowed after cooldown with healthy store", d)
	}
	if open, _ := l.breaker.isOpen(now); open {
		t.Fatal("breaker still open after a success")
	}
}

func TestMemoryStorePrune(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore().(*memoryStore)
	ctx := context.Background()
	if _, err := s.Incr(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := s.Prune(); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if got, _ := s.Count(ctx, "k"); got != 0 {
		t.Fatalf("count = %d, want 0 after prune", got)
	}
}
