package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// SummarizeChange returns the list of changed sections plus structured attrs
// safe for logging. Secrets (telegram token, redis password) never appear in
// the attrs, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.ChannelOnly != newCfg.Telegram.ChannelOnly ||
		oldCfg.Telegram.ForwardEdits != newCfg.Telegram.ForwardEdits ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec ||
		!reflect.DeepEqual(oldCfg.Telegram.Targets, newCfg.Telegram.Targets) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.channel_only", newCfg.Telegram.ChannelOnly),
			logx.Bool("telegram.forward_edits", newCfg.Telegram.ForwardEdits),
			logx.Int("telegram.target_count", len(newCfg.Telegram.Targets)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", strings.TrimSpace(newCfg.Queue.Driver)),
			logx.Int("queue.workers", newCfg.Queue.Workers),
		)
	}

	oldRedis, newRedis := oldCfg.Redis, newCfg.Redis
	if (oldRedis == nil) != (newRedis == nil) ||
		(oldRedis != nil && newRedis != nil && *oldRedis != *newRedis) {
		changed = append(changed, "redis")
		enabled := newRedis != nil
		attrs = append(attrs, logx.Bool("redis.enabled", enabled))
		if enabled {
			attrs = append(attrs,
				logx.String("redis.addr", newRedis.Addr),
				logx.Bool("redis.password_set", newRedis.Password != ""),
			)
		}
	}

	if oldCfg.Album != newCfg.Album {
		changed = append(changed, "album")
		attrs = append(attrs,
			logx.String("album.debounce", strings.TrimSpace(newCfg.Album.Debounce)),
			logx.Int("album.max_items", newCfg.Album.MaxItems),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts))
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.String("rate_limit.window", strings.TrimSpace(newCfg.RateLimit.Window)),
			logx.Int("rate_limit.default_ceiling", newCfg.RateLimit.DefaultCeiling),
			logx.Int("rate_limit.tier_count", len(newCfg.RateLimit.Ceilings)),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.schedule", strings.TrimSpace(newCfg.Maintenance.Schedule)))
	}

	sort.Strings(changed)
	return changed, attrs
}
