package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Queue    QueueConfig    `json:"queue"`

	// Redis is optional: when omitted, rate limiting and the recipient
	// caches fall back to in-process stores.
	Redis *RedisConfig `json:"redis,omitempty"`

	Album     AlbumConfig     `json:"album,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// ChannelOnly drops private and group messages at the listener.
	ChannelOnly bool `json:"channel_only,omitempty"`

	// ForwardEdits forwards edited messages as fresh units. Off by default:
	// an edit would otherwise produce a near-duplicate downstream.
	ForwardEdits bool `json:"forward_edits,omitempty"`

	// RatePerSec caps outbound API calls across all sends.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// Targets are the chat ids every forwarded unit is delivered to.
	Targets []int64 `json:"targets"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig selects the durable job queue driver.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type QueueConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "nats"
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty"`

	Workers  int `json:"workers,omitempty"`
	RetryMax int `json:"retry_max,omitempty"`

	LeaseTimeout string `json:"lease_timeout,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	Retention    string `json:"retention,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type AlbumConfig struct {
	// Debounce is the quiet period after the last fragment before an album
	// is considered complete (Go duration string).
	Debounce string `json:"debounce,omitempty"`
	MaxItems int    `json:"max_items,omitempty"`
}

type DeliveryConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	BaseDelay      string `json:"base_delay,omitempty"`
	MaxDelay       string `json:"max_delay,omitempty"`
}

type RateLimitConfig struct {
	Window         string         `json:"window,omitempty"`
	DefaultCeiling int            `json:"default_ceiling,omitempty"`
	Ceilings       map[string]int `json:"ceilings,omitempty"`
}

// MaintenanceConfig drives the background housekeeping schedule.
type MaintenanceConfig struct {
	// Schedule is a cron expression; empty uses the built-in default.
	Schedule string `json:"schedule,omitempty"`

	UnreachableTTL string `json:"unreachable_ttl,omitempty"`
	ProfileTTL     string `json:"profile_ttl,omitempty"`
}

// Validate checks the fields that cannot be defaulted away. Duration fields
// are validated too so a bad reload is rejected before anything restarts.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.Targets) == 0 {
		return errors.New("telegram.targets must name at least one chat")
	}

	driver := strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Queue.Path) == "" {
			return errors.New("queue.path is required for the sqlite driver")
		}
	case "nats", "jetstream":
	default:
		return fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver)
	}

	if c.Redis != nil && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required when the redis section is present")
	}

	for path, raw := range map[string]string{
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
		"queue.lease_timeout":         c.Queue.LeaseTimeout,
		"queue.poll_interval":         c.Queue.PollInterval,
		"queue.retention":             c.Queue.Retention,
		"album.debounce":              c.Album.Debounce,
		"delivery.attempt_timeout":    c.Delivery.AttemptTimeout,
		"delivery.base_delay":         c.Delivery.BaseDelay,
		"delivery.max_delay":          c.Delivery.MaxDelay,
		"rate_limit.window":           c.RateLimit.Window,
		"maintenance.unreachable_ttl": c.Maintenance.UnreachableTTL,
		"maintenance.profile_ttl":     c.Maintenance.ProfileTTL,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}
