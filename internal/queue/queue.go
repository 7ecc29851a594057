package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Job is one durable unit of work. Payload is an opaque JSON document owned
// by the enqueuer/consumer pair for the given type.
type Job struct {
	ID      string
	Type    string
	Key     string // single-flight key; empty disables per-key gating
	Payload []byte
	Attempt int // 1-based delivery attempt, as observed by the consumer
}

// Handler consumes one job. Returning nil acknowledges the job (this
// includes graceful stops and permanent failures that were handled in
// place). Returning an error marks the job failed, subject to the queue's
// own retry policy (RetryMax, normally 0 here).
type Handler func(ctx context.Context, job Job) error

// Queue is a durable at-least-once job queue with per-key single-flight
// execution.
type Queue interface {
	Enqueue(ctx context.Context, jobType, key string, payload []byte) (string, error)

	// Run consumes jobs with the given per-type handlers until ctx is
	// cancelled. It blocks; callers typically run it under a supervisor.
	Run(ctx context.Context, handlers map[string]Handler) error

	// Prune removes finished jobs past the retention window (no-op for
	// drivers where the broker owns retention).
	Prune(ctx context.Context) error

	Close() error
}

// Config selects and tunes the queue driver.
//
// Driver values:
//   - "sqlite": single-process durable queue in a local database file
//   - "nats":   JetStream work-queue stream (multi-process deployments)
type Config struct {
	Driver string
	Path   string // sqlite only
	URL    string // nats only

	Workers int

	// RetryMax is queue-level redelivery on handler error. Kept at 0 in this
	// deployment: the delivery worker owns retry semantics internally.
	RetryMax int

	// LeaseTimeout bounds one handler execution (the outer job timeout).
	LeaseTimeout time.Duration

	// PollInterval is the idle claim interval (sqlite only).
	PollInterval time.Duration

	// Retention keeps finished jobs around for operator inspection before
	// Prune removes them (sqlite only).
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 600 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Open initializes the configured queue driver.
func Open(cfg Config, log logx.Logger) (Queue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "nats", "jetstream":
		return openNATS(cfg, log)
	default:
		return nil, errors.New("unknown queue driver: " + cfg.Driver)
	}
}

// keyLocks gates concurrent execution per job key within this process.
// Both drivers share it: a job whose key is already in flight is put back
// rather than run alongside its sibling.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{held: map[string]struct{}{}}
}

func (k *keyLocks) tryAcquire(key string) bool {
	if key == "" {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[key]; busy {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

func (k *keyLocks) release(key string) {
	if key == "" {
		return
	}
	k.mu.Lock()
	delete(k.held, key)
	k.mu.Unlock()
}
