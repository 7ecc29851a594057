// Package delivery consumes forward and notify jobs and sends them through
// the transport with retry, rate limiting and unreachable-recipient
// handling. It is the only place that interprets the transport's error
// classification.
package delivery

import (
	"context"
	"math/rand"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/recipient"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// SendConfig tunes the per-message retry loop. The outer bound on one job is
// the queue lease; this loop's attempt budget must fit inside it.
type SendConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration // per-attempt deadline, not the whole loop
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFactor   float64
}

func (c SendConfig) withDefaults() SendConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = 0.2
	}
	return c
}

// resilientSender wraps a transport.Sender with the delivery retry policy:
// transient errors back off exponentially (honoring server delay hints),
// permanent errors stop immediately, and unreachable recipients are recorded
// and swallowed so the job finishes instead of looping forever.
type resilientSender struct {
	tr       transport.Sender
	cfg      SendConfig
	log      logx.Logger
	bus      eventbus.Bus
	registry recipient.Registry

	// sleep is swappable so retry tests run without wall-clock delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func newResilientSender(tr transport.Sender, cfg SendConfig, reg recipient.Registry, log logx.Logger, bus eventbus.Bus) *resilientSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &resilientSender{
		tr:       tr,
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		registry: reg,
		sleep:    sleepCtx,
	}
}

// send runs one attempt function under the retry policy. A nil return means
// the job is finished, including the unreachable case where nothing was
// actually delivered; callers that care use the second return value.
func (s *resilientSender) send(ctx context.Context, to transport.ChatTarget, attempt func(ctx context.Context) error) (delivered bool, err error) {
	delay := s.cfg.BaseDelay
	for try := 1; ; try++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		err = attempt(attemptCtx)
		cancel()

		if err == nil {
			return true, nil
		}

		if reason, ok := transport.UnreachableReason(err); ok {
			if s.registry != nil {
				s.registry.Mark(ctx, to.ChatID, reason)
			}
			s.log.Info("delivery dropped, recipient unreachable",
				logx.Int64("chat", to.ChatID),
				logx.String("reason", reason))
			return false, nil
		}
		if transport.IsPermanent(err) {
			s.log.Warn("delivery failed permanently",
				logx.Int64("chat", to.ChatID),
				logx.Err(err))
			return false, err
		}

		if try >= s.cfg.MaxAttempts {
			s.log.Warn("delivery failed, attempts exhausted",
				logx.Int64("chat", to.ChatID),
				logx.Int("attempts", try),
				logx.Err(err))
			return false, err
		}

		wait := delay
		var ra transport.RetryAfterError
		if asRetryAfter(err, &ra) {
			// Server hint wins over our own schedule, bounded by MaxDelay.
			wait = ra.RetryAfter()
			if wait <= 0 {
				wait = delay
			}
		}
		if wait > s.cfg.MaxDelay {
			wait = s.cfg.MaxDelay
		}
		wait = jitter(wait, s.cfg.JitterFactor)

		s.log.Debug("delivery attempt failed, retrying",
			logx.Int64("chat", to.ChatID),
			logx.Int("attempt", try),
			logx.Duration("wait", wait),
			logx.Err(err))

		if serr := s.sleep(ctx, wait); serr != nil {
			return false, serr
		}

		delay *= 2
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
}

func asRetryAfter(err error, target *transport.RetryAfterError) bool {
	for err != nil {
		if ra, ok := err.(transport.RetryAfterError); ok {
			*target = ra
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func jitter(d time.Duration, factor float64) time.Duration {
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*delta)-delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
