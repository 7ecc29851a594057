// Package forward turns finalized units into durable queue jobs. Enqueue is
// the handoff point between the volatile ingest side (listener, album
// buffers) and the durable delivery side: once a job is accepted by the
// queue, the unit survives restarts.
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"relaybot/internal/album"
	"relaybot/internal/eventbus"
	"relaybot/internal/queue"
	logx "relaybot/pkg/logx"
	"relaybot/pkg/retry"
)

// Enqueuer writes forward and notify jobs. Transient queue failures are
// retried briefly in-line; after that the unit is lost and the loss is
// logged loudly, because there is no earlier durable copy to fall back on.
type Enqueuer struct {
	q   queue.Queue
	log logx.Logger
	bus eventbus.Bus

	// Fast policy: the enqueue path runs on the ingest goroutine, so the
	// whole retry budget stays well under a second.
	retry retry.Config
}

func NewEnqueuer(q queue.Queue, log logx.Logger, bus eventbus.Bus) *Enqueuer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Enqueuer{
		q:   q,
		log: log,
		bus: bus,
		retry: retry.Config{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     250 * time.Millisecond,
		},
	}
}

// EnqueueUnit persists one finalized unit as a forward job. The job key pins
// the unit to its anchor message so the queue never runs two deliveries of
// the same post concurrently.
func (e *Enqueuer) EnqueueUnit(ctx context.Context, u album.Unit) (string, error) {
	payload := ForwardPayload{
		SourceID:    u.SourceID,
		AnchorSeqID: u.AnchorSeqID,
		SenderID:    u.SenderID,
		Text:        u.Text,
		Spans:       u.Spans,
		Items:       u.Items,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal forward payload: %w", err)
	}

	key := "fwd:" + strconv.FormatInt(u.SourceID, 10) + ":" + strconv.Itoa(u.AnchorSeqID)
	return e.enqueue(ctx, JobTypeForward, key, body, logx.Int64("source", u.SourceID), logx.Int("anchor", u.AnchorSeqID))
}

// EnqueueNotification persists one per-recipient notification job.
func (e *Enqueuer) EnqueueNotification(ctx context.Context, n NotifyPayload) (string, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}

	key := "ntf:" + n.CorrelationID + ":"
	if n.RecipientID != 0 {
		key += strconv.FormatInt(n.RecipientID, 10)
	} else {
		key += strconv.Itoa(n.Index)
	}
	return e.enqueue(ctx, JobTypeNotify, key, body, logx.String("correlation", n.CorrelationID), logx.Int("index", n.Index))
}

func (e *Enqueuer) enqueue(ctx context.Context, jobType, key string, body []byte, fields ...logx.Field) (string, error) {
	var id string
	err := retry.Do(ctx, e.retry, func() error {
		var eerr error
		id, eerr = e.q.Enqueue(ctx, jobType, key, body)
		return eerr
	})
	if err != nil {
		// The unit only existed in memory up to this point: this is data loss.
		e.log.Error("enqueue failed after retries, unit lost",
			append([]logx.Field{logx.String("type", jobType), logx.String("key", key), logx.Err(err)}, fields...)...)
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.EventEnqueueFailed, Data: JobEvent{Type: jobType, Key: key}})
		}
		return "", err
	}

	e.log.Debug("job enqueued",
		append([]logx.Field{logx.String("type", jobType), logx.String("id", id), logx.String("key", key)}, fields...)...)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.EventJobEnqueued, Data: JobEvent{ID: id, Type: jobType, Key: key}})
	}
	return id, nil
}

// JobEvent is published on the event bus for enqueue outcomes.
type JobEvent struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Key  string `json:"key"`
}
