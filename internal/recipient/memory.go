package recipient

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

// memoryDirectory backs single-node deployments without Redis. Entries
// expire lazily on read and eagerly via Prune.
type memoryDirectory struct {
	mu       sync.Mutex
	profiles map[int64]memEntry[Profile]
	lists    map[string]memEntry[[]int64]
	ttl      time.Duration
}

type memEntry[T any] struct {
	val     T
	expires time.Time
}

func NewMemoryDirectory(profileTTL time.Duration) Directory {
	if profileTTL <= 0 {
		profileTTL = 24 * time.Hour
	}
	return &memoryDirectory{
		profiles: map[int64]memEntry[Profile]{},
		lists:    map[string]memEntry[[]int64]{},
		ttl:      profileTTL,
	}
}

func (d *memoryDirectory) Profile(ctx context.Context, id int64) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.profiles[id]
	if !ok || time.Now().After(e.expires) {
		delete(d.profiles, id)
		return Profile{}, ErrNotFound
	}
	return e.val, nil
}

func (d *memoryDirectory) SaveProfile(ctx context.Context, p Profile) error {
	d.mu.Lock()
	d.profiles[p.ID] = memEntry[Profile]{val: p, expires: time.Now().Add(d.ttl)}
	d.mu.Unlock()
	return nil
}

func (d *memoryDirectory) List(ctx context.Context, key string) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.lists[key]
	if !ok || time.Now().After(e.expires) {
		delete(d.lists, key)
		return nil, ErrNotFound
	}
	out := make([]int64, len(e.val))
	copy(out, e.val)
	return out, nil
}

func (d *memoryDirectory) SaveList(ctx context.Context, key string, ids []int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	cp := make([]int64, len(ids))
	copy(cp, ids)
	d.mu.Lock()
	d.lists[key] = memEntry[[]int64]{val: cp, expires: time.Now().Add(ttl)}
	d.mu.Unlock()
	return nil
}

// memoryRegistry mirrors the Redis registry semantics in-process.
type memoryRegistry struct {
	mu  sync.Mutex
	m   map[int64]time.Time
	ttl time.Duration
	log logx.Logger
	bus eventbus.Bus
}

func NewMemoryRegistry(ttl time.Duration, log logx.Logger, bus eventbus.Bus) Registry {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memoryRegistry{m: map[int64]time.Time{}, ttl: ttl, log: log, bus: bus}
}

func (r *memoryRegistry) Mark(ctx context.Context, id int64, reason string) {
	r.mu.Lock()
	r.m[id] = time.Now().Add(r.ttl)
	r.mu.Unlock()
	r.log.Info("recipient marked unreachable",
		logx.Int64("recipient", id),
		logx.String("reason", reason),
		logx.Duration("ttl", r.ttl))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventUnreachableMarked, Data: UnreachableEvent{RecipientID: id, Reason: reason}})
	}
}

func (r *memoryRegistry) IsUnreachable(ctx context.Context, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.m[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(r.m, id)
		return false
	}
	return true
}
