package recipient

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

const (
	keyProfile     = "relay:recipient:"
	keyList        = "relay:list:"
	keyUnreachable = "relay:unreachable:"
)

// redisDirectory stores profiles as JSON documents and lists as JSON arrays.
type redisDirectory struct {
	client     *redis.Client
	profileTTL time.Duration
}

func NewRedisDirectory(client *redis.Client, profileTTL time.Duration) Directory {
	if profileTTL <= 0 {
		profileTTL = 24 * time.Hour
	}
	return &redisDirectory{client: client, profileTTL: profileTTL}
}

func (d *redisDirectory) Profile(ctx context.Context, id int64) (Profile, error) {
	raw, err := d.client.Get(ctx, keyProfile+strconv.FormatInt(id, 10)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (d *redisDirectory) SaveProfile(ctx context.Context, p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return d.client.SetEX(ctx, keyProfile+strconv.FormatInt(p.ID, 10), raw, d.profileTTL).Err()
}

func (d *redisDirectory) List(ctx context.Context, key string) ([]int64, error) {
	raw, err := d.client.Get(ctx, keyList+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *redisDirectory) SaveList(ctx context.Context, key string, ids []int64, ttl time.Duration) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return d.client.SetEX(ctx, keyList+key, raw, ttl).Err()
}

// redisRegistry marks unreachable recipients with a TTL key. The TTL makes
// the registry self-healing: after it lapses, the next delivery attempt
// probes the chat again, and a recipient who unblocked the bot starts
// receiving without any manual cleanup.
type redisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	log    logx.Logger
	bus    eventbus.Bus
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration, log logx.Logger, bus eventbus.Bus) Registry {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisRegistry{client: client, ttl: ttl, log: log, bus: bus}
}

func (r *redisRegistry) Mark(ctx context.Context, id int64, reason string) {
	err := r.client.SetEX(ctx, keyUnreachable+strconv.FormatInt(id, 10), reason, r.ttl).Err()
	if err != nil {
		// Best effort by contract: a missed mark costs one wasted probe later.
		r.log.Warn("unreachable mark failed", logx.Int64("recipient", id), logx.Err(err))
		return
	}
	r.log.Info("recipient marked unreachable",
		logx.Int64("recipient", id),
		logx.String("reason", reason),
		logx.Duration("ttl", r.ttl))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventUnreachableMarked, Data: UnreachableEvent{RecipientID: id, Reason: reason}})
	}
}

func (r *redisRegistry) IsUnreachable(ctx context.Context, id int64) bool {
	n, err := r.client.Exists(ctx, keyUnreachable+strconv.FormatInt(id, 10)).Result()
	if err != nil {
		// Fail open: a registry outage should not silence deliveries.
		r.log.Warn("unreachable lookup failed", logx.Int64("recipient", id), logx.Err(err))
		return false
	}
	return n == 1
}

// UnreachableEvent is published when a recipient is marked unreachable.
type UnreachableEvent struct {
	RecipientID int64  `json:"recipient_id"`
	Reason      string `json:"reason"`
}
