package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type fakeRegistry struct {
	mu     sync.Mutex
	marked map[int64]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{marked: map[int64]string{}}
}

func (r *fakeRegistry) Mark(_ context.Context, id int64, reason string) {
	r.mu.Lock()
	r.marked[id] = reason
	r.mu.Unlock()
}

func (r *fakeRegistry) IsUnreachable(_ context.Context, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.marked[id]
	return ok
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func testSender(reg *fakeRegistry, cfg SendConfig) *resilientSender {
	s := newResilientSender(nil, cfg, reg, logx.Nop(), nil)
	s.sleep = noSleep
	return s
}

func TestSendSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	s := testSender(newFakeRegistry(), SendConfig{})
	calls := 0
	delivered, err := s.send(context.Background(), transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSendRetriesTransientUntilExhausted(t *testing.T) {
	t.Parallel()

	s := testSender(newFakeRegistry(), SendConfig{MaxAttempts: 4})
	calls := 0
	boom := errors.New("upstream 503")
	delivered, err := s.send(context.Background(), transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		calls++
		return boom
	})
	if delivered {
		t.Fatal("delivered = true for a failing send")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want the full attempt ceiling 4", calls)
	}
}

func TestSendTransientThenSuccess(t *testing.T) {
	t.Parallel()

	s := testSender(newFakeRegistry(), SendConfig{MaxAttempts: 5})
	calls := 0
	delivered, err := s.send(context.Background(), transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || !delivered {
		t.Fatalf("delivered=%v err=%v", delivered, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestSendPermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	s := testSender(reg, SendConfig{MaxAttempts: 5})
	calls := 0
	perm := transport.Permanent(errors.New("bad request"))
	delivered, err := s.send(context.Background(), transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		calls++
		return perm
	})
	if delivered {
		t.Fatal("delivered = true")
	}
	if err == nil {
		t.Fatal("permanent failure must surface an error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent)", calls)
	}
	if len(reg.marked) != 0 {
		t.Fatalf("marked = %v, want none for a plain permanent error", reg.marked)
	}
}

func TestSendUnreachableMarksAndFinishes(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	s := testSender(reg, SendConfig{MaxAttempts: 5})
	calls := 0
	delivered, err := s.send(context.Background(), transport.ChatTarget{ChatID: 42}, func(context.Context) error {
		calls++
		return transport.Unreachable(errors.New("forbidden"), "blocked")
	})
	if err != nil {
		t.Fatalf("err = %v, want nil (job finished gracefully)", err)
	}
	if delivered {
		t.Fatal("delivered = true, want false")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if reg.marked[42] != "blocked" {
		t.Fatalf("marked = %v, want 42 -> blocked", reg.marked)
	}
}

func TestSendBackoffGrowsBetweenAttempts(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	s := newResilientSender(nil, SendConfig{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFactor: 0.0001}, nil, logx.Nop(), nil)
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, _ = s.send(context.Background(), transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		return errors.New("upstream 503")
	})

	if len(waits) != 3 {
		t.Fatalf("waits = %v, want 3 entries", waits)
	}
	// Doubling schedule 1s, 2s, 4s modulo the tiny jitter configured above.
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if waits[i] < want-want/10 || waits[i] > want+want/10 {
			t.Fatalf("wait[%d] = %v, want ~%v", i, waits[i], want)
		}
	}
	if waits[0] >= waits[1] || waits[1] >= waits[2] {
		t.Fatalf("waits = %v, want strictly increasing delays", waits)
	}
}

func TestSendHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	s := newResilientSender(nil, SendConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterFactor: 0.0001}, nil, logx.Nop(), nil)
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	calls := 0
	_, _ = s.send(context.Background(), transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		calls++
		return transport.RetryAfter(errors.New("429"), 4*time.Second)
	})

	if len(waits) != 2 {
		t.Fatalf("waits = %v, want 2 entries", waits)
	}
	for _, w := range waits {
		// The server hint (4s) must win over the backoff schedule (1s, 2s),
		// modulo the tiny jitter configured above.
		if w < 3900*time.Millisecond || w > 4100*time.Millisecond {
			t.Fatalf("wait = %v, want ~4s from the server hint", w)
		}
	}
}

func TestSendRetryAfterBoundedByMaxDelay(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	s := newResilientSender(nil, SendConfig{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterFactor: 0.0001}, nil, logx.Nop(), nil)
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, _ = s.send(context.Background(), transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		return transport.RetryAfter(errors.New("429"), time.Hour)
	})

	if len(waits) != 1 {
		t.Fatalf("waits = %v, want 1 entry", waits)
	}
	if waits[0] > 6*time.Second {
		t.Fatalf("wait = %v, want capped near max delay 5s", waits[0])
	}
}

func TestSendStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	s := testSender(newFakeRegistry(), SendConfig{MaxAttempts: 10})
	s.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.send(ctx, transport.ChatTarget{ChatID: 1}, func(context.Context) error {
		calls++
		return errors.New("always failing")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
