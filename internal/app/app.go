// Package app is the composition root: it builds every component from the
// config file and runs them under one supervisor.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"relaybot/internal/album"
	"relaybot/internal/config"
	"relaybot/internal/delivery"
	"relaybot/internal/eventbus"
	"relaybot/internal/forward"
	"relaybot/internal/queue"
	"relaybot/internal/ratelimit"
	"relaybot/internal/recipient"
	"relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"

	"relaybot/internal/runtime/supervisor"
)

type App struct {
	cfg     *config.Config
	manager *config.Manager

	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	rdb      *redis.Client
	q        queue.Queue
	adapter  *telegram.Adapter
	agg      *album.Aggregator
	enqueuer *forward.Enqueuer
	worker   *delivery.Worker
	limiter  *ratelimit.Limiter
	memStore ratelimit.Store
	cron     *cron.Cron

	sup *supervisor.Supervisor
}

// New loads the config and constructs the full pipeline. Nothing starts
// running until Run.
func New(cfgPath string) (*App, error) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	manager.SetLogger(log.With(logx.String("svc", "config")))

	a := &App{
		cfg:     cfg,
		manager: manager,
		logSvc:  logSvc,
		log:     log,
		bus:     eventbus.New(),
	}
	if err := a.build(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	if cfg.Redis != nil {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	leaseTimeout, _ := config.ParseDurationOrDefault("queue.lease_timeout", cfg.Queue.LeaseTimeout, 600*time.Second)
	pollInterval, _ := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 250*time.Millisecond)
	retention, _ := config.ParseDurationOrDefault("queue.retention", cfg.Queue.Retention, 24*time.Hour)

	q, err := queue.Open(queue.Config{
		Driver:       cfg.Queue.Driver,
		Path:         cfg.Queue.Path,
		URL:          cfg.Queue.URL,
		Workers:      cfg.Queue.Workers,
		RetryMax:     cfg.Queue.RetryMax,
		LeaseTimeout: leaseTimeout,
		PollInterval: pollInterval,
		Retention:    retention,
	}, a.log.With(logx.String("svc", "queue")))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.q = q

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  pollTimeout,
		ChannelOnly:  cfg.Telegram.ChannelOnly,
		ForwardEdits: cfg.Telegram.ForwardEdits,
		RatePerSec:   cfg.Telegram.RatePerSec,
	}, a.log.With(logx.String("svc", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.adapter = adapter

	window, _ := config.ParseDurationOrDefault("rate_limit.window", cfg.RateLimit.Window, time.Hour)
	var rlStore ratelimit.Store
	if a.rdb != nil {
		rlStore = ratelimit.NewRedisStore(a.rdb)
	} else {
		rlStore = ratelimit.NewMemoryStore()
		a.memStore = rlStore
	}
	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		Window:         window,
		Ceilings:       cfg.RateLimit.Ceilings,
		DefaultCeiling: cfg.RateLimit.DefaultCeiling,
	}, rlStore, a.log.With(logx.String("svc", "ratelimit")))

	unreachableTTL, _ := config.ParseDurationOrDefault("maintenance.unreachable_ttl", cfg.Maintenance.UnreachableTTL, 7*24*time.Hour)
	profileTTL, _ := config.ParseDurationOrDefault("maintenance.profile_ttl", cfg.Maintenance.ProfileTTL, 24*time.Hour)

	var dir recipient.Directory
	var reg recipient.Registry
	regLog := a.log.With(logx.String("svc", "recipient"))
	if a.rdb != nil {
		dir = recipient.NewRedisDirectory(a.rdb, profileTTL)
		reg = recipient.NewRedisRegistry(a.rdb, unreachableTTL, regLog, a.bus)
	} else {
		dir = recipient.NewMemoryDirectory(profileTTL)
		reg = recipient.NewMemoryRegistry(unreachableTTL, regLog, a.bus)
	}

	a.enqueuer = forward.NewEnqueuer(q, a.log.With(logx.String("svc", "enqueue")), a.bus)

	debounce, _ := config.ParseDurationOrDefault("album.debounce", cfg.Album.Debounce, 2*time.Second)
	a.agg = album.New(album.Config{
		Debounce: debounce,
		MaxItems: cfg.Album.MaxItems,
	}, a.emitUnit, a.log.With(logx.String("svc", "album")), a.bus)

	attemptTimeout, _ := config.ParseDurationOrDefault("delivery.attempt_timeout", cfg.Delivery.AttemptTimeout, 30*time.Second)
	baseDelay, _ := config.ParseDurationOrDefault("delivery.base_delay", cfg.Delivery.BaseDelay, time.Second)
	maxDelay, _ := config.ParseDurationOrDefault("delivery.max_delay", cfg.Delivery.MaxDelay, 30*time.Second)

	targets := make([]transport.ChatTarget, 0, len(cfg.Telegram.Targets))
	for _, id := range cfg.Telegram.Targets {
		targets = append(targets, transport.ChatTarget{ChatID: id})
	}
	a.worker = delivery.NewWorker(delivery.Config{
		Targets: targets,
		Send: delivery.SendConfig{
			MaxAttempts:    cfg.Delivery.MaxAttempts,
			AttemptTimeout: attemptTimeout,
			BaseDelay:      baseDelay,
			MaxDelay:       maxDelay,
		},
	}, adapter, a.limiter, dir, reg, a.log.With(logx.String("svc", "delivery")), a.bus)

	return nil
}

// emitUnit is the aggregator's sink: every finalized unit becomes a durable
// job. Runs on the accepting or timer goroutine, so it must not block long.
func (a *App) emitUnit(u album.Unit) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = a.enqueuer.EnqueueUnit(ctx, u)
}

// Run starts everything and blocks until ctx is cancelled, then drains.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))
	a.sup = sup

	envelopes := make(chan transport.Envelope, 256)
	if err := a.adapter.Start(sup.Context(), envelopes); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	sup.Go0("ingest", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-envelopes:
				// Fire and forget: one slow enqueue must not delay the album
				// clock for unrelated groups.
				go a.agg.Accept(env)
			}
		}
	})

	sup.GoRestart("queue", func(ctx context.Context) error {
		return a.q.Run(ctx, a.worker.Handlers())
	})

	sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.manager.Watch(ctx)
	})
	sup.Go0("config.reload", func(ctx context.Context) { a.reloadLoop(ctx) })

	sup.Go0("events", func(ctx context.Context) { a.eventLoop(ctx) })

	a.startMaintenance()

	a.log.Info("relaybot started",
		logx.String("queue_driver", a.cfg.Queue.Driver),
		logx.Int("targets", len(a.cfg.Telegram.Targets)),
		logx.Bool("redis", a.rdb != nil))

	<-ctx.Done()
	return a.shutdown()
}

func (a *App) shutdown() error {
	a.log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-stopCtx.Done():
		}
	}

	_ = a.adapter.Stop(stopCtx)

	// Flush in-flight albums before the queue goes away so collected
	// fragments still become jobs.
	a.agg.Stop()

	err := a.sup.Stop(stopCtx)

	_ = a.q.Close()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.logSvc.Close()
	return err
}

// reloadLoop applies config changes that can take effect without a restart.
// Structural sections (queue driver, redis, telegram token) are logged as
// requiring a restart instead of being half-applied.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.manager.Subscribe(1)
	defer a.manager.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			changed, _ := config.SummarizeChange(a.cfg, cfg)
			for _, section := range changed {
				if section != "logging" {
					a.log.Warn("config section changed, restart required to apply",
						logx.String("section", section))
				}
			}
			a.cfg = cfg
		}
	}
}

// eventLoop mirrors pipeline events into the debug log. Slow consumers drop
// events by bus contract, so this can never stall publishers.
func (a *App) eventLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

func (a *App) startMaintenance() {
	schedule := a.cfg.Maintenance.Schedule
	if schedule == "" {
		schedule = "@every 10m"
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.q.Prune(ctx); err != nil {
			a.log.Warn("queue prune failed", logx.Err(err))
		}
		if p, ok := a.memStore.(interface{ Prune() int }); ok && p != nil {
			if n := p.Prune(); n > 0 {
				a.log.Debug("pruned expired rate counters", logx.Int("count", n))
			}
		}
	})
	if err != nil {
		a.log.Warn("invalid maintenance schedule, housekeeping disabled",
			logx.String("schedule", schedule), logx.Err(err))
		return
	}
	c.Start()
	a.cron = c
}

// Enqueuer exposes the notification entry point for embedders that produce
// notification batches (content pollers, admin tooling).
func (a *App) Enqueuer() *forward.Enqueuer { return a.enqueuer }

// Bus exposes the pipeline event stream.
func (a *App) Bus() eventbus.Bus { return a.bus }
