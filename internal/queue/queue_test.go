package queue

import (
	"sync"
	"testing"
)

func TestKeyLocksSingleFlight(t *testing.T) {
	t.Parallel()

	locks := newKeyLocks()

	if !locks.tryAcquire("a") {
		t.Fatal("first acquire failed")
	}
	if locks.tryAcquire("a") {
		t.Fatal("second acquire succeeded while key held")
	}
	if !locks.tryAcquire("b") {
		t.Fatal("unrelated key blocked")
	}

	locks.release("a")
	if !locks.tryAcquire("a") {
		t.Fatal("acquire failed after release")
	}
}

func TestKeyLocksEmptyKeyNeverGates(t *testing.T) {
	t.Parallel()

	locks := newKeyLocks()
	for i := 0; i < 3; i++ {
		if !locks.tryAcquire("") {
			t.Fatal("empty key must not be gated")
		}
	}
}

func TestKeyLocksConcurrentExclusive(t *testing.T) {
	t.Parallel()

	locks := newKeyLocks()
	const workers = 32

	var wg sync.WaitGroup
	acquired := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.tryAcquire("hot") {
				acquired <- struct{}{}
			}
		}()
	}
	wg.Wait()
	if n := len(acquired); n != 1 {
		t.Fatalf("winners = %d, want exactly 1", n)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	if c.Workers != 4 {
		t.Fatalf("workers = %d", c.Workers)
	}
	if c.LeaseTimeout.Seconds() != 600 {
		t.Fatalf("lease = %v, want 600s", c.LeaseTimeout)
	}
	if c.PollInterval <= 0 || c.Retention <= 0 {
		t.Fatalf("poll=%v retention=%v", c.PollInterval, c.Retention)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "kafka"}, nopLog()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
