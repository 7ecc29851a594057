package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	logx "relaybot/pkg/logx"
)

const (
	natsStreamName    = "RELAYBOT_JOBS"
	natsSubjectPrefix = "jobs."

	hdrJobID  = "Relay-Job-Id"
	hdrJobKey = "Relay-Job-Key"
)

// natsQueue runs the same contract on a JetStream work-queue stream, for
// deployments where the bot and its delivery workers are separate processes.
// The broker owns redelivery (MaxDeliver) and the outer job timeout (AckWait).
type natsQueue struct {
	nc    *nats.Conn
	js    nats.JetStreamContext
	cfg   Config
	log   logx.Logger
	locks *keyLocks
}

func openNATS(cfg Config, log logx.Logger) (Queue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("relaybot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	// Create the stream on first run; later runs find it in place.
	if _, err := js.StreamInfo(natsStreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, err
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      natsStreamName,
			Subjects:  []string{natsSubjectPrefix + ">"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
	}

	return &natsQueue{nc: nc, js: js, cfg: cfg, log: log, locks: newKeyLocks()}, nil
}

func (q *natsQueue) Close() error {
	if q == nil || q.nc == nil {
		return nil
	}
	q.nc.Close()
	return nil
}

func (q *natsQueue) Enqueue(ctx context.Context, jobType, key string, payload []byte) (string, error) {
	if q.nc.IsClosed() {
		return "", ErrClosed
	}
	id := uuid.NewString()
	msg := &nats.Msg{
		Subject: natsSubjectPrefix + jobType,
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(hdrJobID, id)
	if key != "" {
		msg.Header.Set(hdrJobKey, key)
	}
	// MsgId doubles as broker-side dedup within the stream's dedup window.
	if _, err := q.js.PublishMsg(msg, nats.MsgId(id), nats.Context(ctx)); err != nil {
		return "", err
	}
	return id, nil
}

func (q *natsQueue) Run(ctx context.Context, handlers map[string]Handler) error {
	var wg sync.WaitGroup
	for jobType, h := range handlers {
		sub, err := q.js.PullSubscribe(
			natsSubjectPrefix+jobType,
			"relaybot-"+jobType,
			nats.AckExplicit(),
			nats.AckWait(q.cfg.LeaseTimeout),
			nats.MaxDeliver(q.cfg.RetryMax+1),
		)
		if err != nil {
			return err
		}
		for i := 0; i < q.cfg.Workers; i++ {
			wg.Add(1)
			go func(jobType string, h Handler, sub *nats.Subscription) {
				defer wg.Done()
				q.consume(ctx, jobType, h, sub)
			}(jobType, h, sub)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (q *natsQueue) consume(ctx context.Context, jobType string, h Handler, sub *nats.Subscription) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("queue fetch failed", logx.String("type", jobType), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			q.handleMsg(ctx, jobType, h, msg)
		}
	}
}

func (q *natsQueue) handleMsg(ctx context.Context, jobType string, h Handler, msg *nats.Msg) {
	job := Job{
		ID:      msg.Header.Get(hdrJobID),
		Type:    jobType,
		Key:     msg.Header.Get(hdrJobKey),
		Payload: msg.Data,
		Attempt: 1,
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	if !q.locks.tryAcquire(job.Key) {
		// A sibling with the same key is in flight; redeliver shortly.
		_ = msg.NakWithDelay(500 * time.Millisecond)
		return
	}
	defer q.locks.release(job.Key)

	runCtx, cancel := context.WithTimeout(ctx, q.cfg.LeaseTimeout)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("panic in job handler")
				q.log.Error("job handler panicked", logx.String("type", jobType), logx.String("id", job.ID), logx.Any("panic", r))
			}
		}()
		return h(runCtx, job)
	}()
	cancel()

	if err == nil {
		_ = msg.Ack()
		return
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Shutdown interrupted the handler; hand the message back so the
		// next run redelivers it instead of discarding it.
		_ = msg.NakWithDelay(time.Second)
		return
	}

	if job.Attempt > q.cfg.RetryMax {
		q.log.Warn("job failed", logx.String("type", jobType), logx.String("id", job.ID), logx.Int("attempt", job.Attempt), logx.Err(err))
		_ = msg.Term()
		return
	}
	_ = msg.NakWithDelay(time.Duration(job.Attempt) * 5 * time.Second)
}

// Prune is broker-owned for JetStream (stream retention policy).
func (q *natsQueue) Prune(ctx context.Context) error { return nil }
