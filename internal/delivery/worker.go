package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"relaybot/internal/eventbus"
	"relaybot/internal/forward"
	"relaybot/internal/queue"
	"relaybot/internal/ratelimit"
	"relaybot/internal/recipient"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const maxCallbackDataBytes = 64

// Config wires the worker to its destinations.
type Config struct {
	// Targets are the chats every forward job is delivered to.
	Targets []transport.ChatTarget

	Send SendConfig
}

// Worker executes forward and notify jobs pulled from the queue. A returned
// error asks the queue for redelivery; graceful stops (stale job, recipient
// gone, ceiling reached) return nil so the job is acknowledged and retired.
type Worker struct {
	cfg      Config
	tr       transport.Sender
	sender   *resilientSender
	limiter  *ratelimit.Limiter
	dir      recipient.Directory
	registry recipient.Registry
	log      logx.Logger
	bus      eventbus.Bus
}

func NewWorker(cfg Config, tr transport.Sender, limiter *ratelimit.Limiter, dir recipient.Directory, reg recipient.Registry, log logx.Logger, bus eventbus.Bus) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		cfg:      cfg,
		tr:       tr,
		sender:   newResilientSender(tr, cfg.Send, reg, log, bus),
		limiter:  limiter,
		dir:      dir,
		registry: reg,
		log:      log,
		bus:      bus,
	}
}

// Handlers returns the per-type handler map for queue.Run.
func (w *Worker) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		forward.JobTypeForward: w.HandleForward,
		forward.JobTypeNotify:  w.HandleNotify,
	}
}

// HandleForward delivers one finalized unit to every configured target chat.
// A failure on one target does not stop the others; the job fails if any
// target failed so the queue can redeliver (already-sent targets tolerate a
// duplicate under the at-least-once contract).
func (w *Worker) HandleForward(ctx context.Context, job queue.Job) error {
	var p forward.ForwardPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		// Malformed payloads never get better; retire the job.
		w.log.Error("forward payload unmarshal failed", logx.String("id", job.ID), logx.Err(err))
		return nil
	}
	if len(w.cfg.Targets) == 0 {
		w.log.Warn("no forward targets configured, dropping unit",
			logx.Int64("source", p.SourceID), logx.Int("anchor", p.AnchorSeqID))
		return nil
	}

	var firstErr error
	for _, target := range w.cfg.Targets {
		if w.registry != nil && w.registry.IsUnreachable(ctx, target.ChatID) {
			w.publish(eventbus.EventDeliverySkipped, Event{JobID: job.ID, ChatID: target.ChatID, Reason: "unreachable"})
			continue
		}

		delivered, err := w.sender.send(ctx, target, func(ctx context.Context) error {
			return w.sendUnit(ctx, target, p)
		})
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
			w.publish(eventbus.EventDeliveryFailed, Event{JobID: job.ID, ChatID: target.ChatID})
		case delivered:
			w.publish(eventbus.EventDeliverySent, Event{JobID: job.ID, ChatID: target.ChatID})
		default:
			w.publish(eventbus.EventDeliverySkipped, Event{JobID: job.ID, ChatID: target.ChatID, Reason: "unreachable"})
		}
	}
	return firstErr
}

func (w *Worker) sendUnit(ctx context.Context, to transport.ChatTarget, p forward.ForwardPayload) error {
	if len(p.Items) == 0 {
		if p.Text == "" {
			return nil
		}
		_, err := w.tr.SendText(ctx, to, p.Text, &transport.SendOptions{Spans: p.Spans})
		return err
	}
	_, err := w.tr.SendMedia(ctx, to, p.Items, p.Text, &transport.SendOptions{Spans: p.Spans})
	return err
}

// HandleNotify delivers one notification to one recipient. Most exits are
// graceful: the job represents work that is either done, impossible, or
// deliberately withheld, and redelivering it would not change that.
func (w *Worker) HandleNotify(ctx context.Context, job queue.Job) error {
	var p forward.NotifyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		w.log.Error("notify payload unmarshal failed", logx.String("id", job.ID), logx.Err(err))
		return nil
	}

	recipientID, ok, err := w.resolveRecipient(ctx, p)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	if !ok {
		// Stale job: the list expired or the index ran past its end.
		w.log.Debug("notify recipient unresolvable, retiring job",
			logx.String("id", job.ID),
			logx.String("list", p.ListKey),
			logx.Int("index", p.Index))
		w.publish(eventbus.EventDeliverySkipped, Event{JobID: job.ID, Reason: "stale"})
		return nil
	}

	if w.registry != nil && w.registry.IsUnreachable(ctx, recipientID) {
		w.publish(eventbus.EventDeliverySkipped, Event{JobID: job.ID, ChatID: recipientID, Reason: "unreachable"})
		return nil
	}

	tier := ""
	if w.dir != nil {
		prof, perr := w.dir.Profile(ctx, recipientID)
		switch {
		case perr == nil:
			tier = prof.Tier
		case errors.Is(perr, recipient.ErrNotFound):
			// Not enrolled (anymore); the notification has no addressee.
			w.log.Debug("notify recipient has no profile, retiring job",
				logx.String("id", job.ID), logx.Int64("recipient", recipientID))
			w.publish(eventbus.EventDeliverySkipped, Event{JobID: job.ID, ChatID: recipientID, Reason: "no_profile"})
			return nil
		default:
			// Cache outage: degrade to the default tier rather than dropping.
			w.log.Warn("profile fetch failed, using default tier",
				logx.Int64("recipient", recipientID), logx.Err(perr))
		}
	}

	if w.limiter != nil {
		switch w.limiter.Check(ctx, recipientID, tier) {
		case ratelimit.Limited:
			w.log.Debug("notification suppressed by rate limit",
				logx.Int64("recipient", recipientID),
				logx.String("category", p.Category))
			w.publish(eventbus.EventDeliverySuppressed, Event{JobID: job.ID, ChatID: recipientID, Reason: "rate_limited"})
			return nil
		case ratelimit.Unknown:
			// Limiter store is down. Withhold rather than risk flooding.
			w.publish(eventbus.EventDeliverySkipped, Event{JobID: job.ID, ChatID: recipientID, Reason: "limiter_unavailable"})
			return nil
		}
	}

	target := transport.ChatTarget{ChatID: recipientID}
	opt := &transport.SendOptions{Buttons: validButtons(p.Buttons, w.log)}
	if p.Rich {
		opt.ParseMode = "HTML"
	}

	delivered, err := w.sender.send(ctx, target, func(ctx context.Context) error {
		if p.ImageFileID != "" {
			items := []transport.MediaItem{{Ref: transport.MediaRef{Kind: transport.MediaPhoto, FileID: p.ImageFileID}}}
			_, serr := w.tr.SendMedia(ctx, target, items, p.Text, opt)
			return serr
		}
		_, serr := w.tr.SendText(ctx, target, p.Text, opt)
		return serr
	})
	if err != nil {
		w.publish(eventbus.EventDeliveryFailed, Event{JobID: job.ID, ChatID: recipientID})
		return err
	}
	if !delivered {
		return nil
	}

	if w.limiter != nil {
		w.limiter.Register(ctx, recipientID)
	}
	w.publish(eventbus.EventDeliverySent, Event{JobID: job.ID, ChatID: recipientID})
	return nil
}

func (w *Worker) resolveRecipient(ctx context.Context, p forward.NotifyPayload) (int64, bool, error) {
	if p.RecipientID != 0 {
		return p.RecipientID, true, nil
	}
	if w.dir == nil || p.ListKey == "" {
		return 0, false, nil
	}
	ids, err := w.dir.List(ctx, p.ListKey)
	if err != nil {
		if errors.Is(err, recipient.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if p.Index < 0 || p.Index >= len(ids) {
		return 0, false, nil
	}
	return ids[p.Index], true, nil
}

// validButtons drops malformed buttons instead of failing the whole send: a
// notification without one of its buttons still has value.
func validButtons(rows [][]transport.Button, log logx.Logger) [][]transport.Button {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]transport.Button, 0, len(rows))
	for _, row := range rows {
		kept := make([]transport.Button, 0, len(row))
		for _, b := range row {
			switch {
			case b.Text == "":
				log.Warn("dropping button without text")
			case b.URL == "" && b.CallbackData == "":
				log.Warn("dropping button without target", logx.String("text", b.Text))
			case len(b.CallbackData) > maxCallbackDataBytes:
				log.Warn("dropping button with oversized callback data", logx.String("text", b.Text))
			default:
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (w *Worker) publish(eventType string, data Event) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}

// Event is the bus payload for delivery outcomes.
type Event struct {
	JobID  string `json:"job_id"`
	ChatID int64  `json:"chat_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}
