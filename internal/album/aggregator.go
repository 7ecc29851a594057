package album

import (
	"sort"
	"sync"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Telegram caps sendMediaGroup at 10 entries; an album can never grow past it.
const platformMaxAlbumSize = 10

type Config struct {
	// Debounce is the wait after the most recent fragment before a group is
	// considered complete. Every new fragment resets the clock.
	Debounce time.Duration

	// MaxItems flushes immediately once reached, regardless of the debounce
	// timer. Defaults to the platform album limit.
	MaxItems int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MaxItems <= 0 || c.MaxItems > platformMaxAlbumSize {
		c.MaxItems = platformMaxAlbumSize
	}
	return c
}

// Unit is one finalized logical post: a standalone message, a single
// attachment, or a fully collected album. Immutable once emitted.
type Unit struct {
	SourceID    int64
	AnchorSeqID int // message id of the first observed fragment; the job identity anchor
	SenderID    int64
	Text        string
	Spans       []transport.Span
	Items       []transport.MediaItem
}

// Result reports which path Accept took.
type Result int

const (
	Emitted Result = iota
	Buffered
)

// EmitFunc receives each finalized unit exactly once. It is called on the
// accepting goroutine for the fast path and on the timer goroutine for
// debounce flushes; implementations must be safe for concurrent calls.
type EmitFunc func(u Unit)

// Aggregator owns the table of in-flight album buffers.
//
// Fragments of different groups never contend: the table lock is only held
// for map access, and each buffer carries its own mutex serializing
// same-group fragments against the flush triggers.
type Aggregator struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	emit EmitFunc

	mu      sync.Mutex
	buffers map[string]*buffer
}

type buffer struct {
	mu sync.Mutex

	groupID string

	// Anchor fields, captured from the first fragment and never overwritten.
	sourceID   int64
	firstSeqID int
	senderID   int64

	items   []transport.MediaItem
	timer   *time.Timer
	flushed bool
}

func New(cfg Config, emit EmitFunc, log logx.Logger, bus eventbus.Bus) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		emit:    emit,
		buffers: map[string]*buffer{},
	}
}

// Accept routes one envelope: standalone posts are emitted immediately,
// album fragments are buffered until the debounce window elapses or the
// platform maximum is reached.
func (a *Aggregator) Accept(env transport.Envelope) Result {
	// Fast path: not part of an album, or a grouped event without media
	// (nothing to collect). No buffering latency for ordinary posts.
	if env.GroupID == "" || env.Media == nil {
		a.emit(a.standaloneUnit(env))
		return Emitted
	}

	for {
		b := a.getOrCreate(env)

		b.mu.Lock()
		if b.flushed {
			// Lost the race against a concurrent flush; the buffer is already
			// out of the table. Start over with a fresh one.
			b.mu.Unlock()
			continue
		}

		b.items = append(b.items, transport.MediaItem{
			Ref:     *env.Media,
			Caption: env.Text,
			Spans:   env.Spans,
			SeqID:   env.SequenceID,
		})

		if len(b.items) >= a.cfg.MaxItems {
			// Max-size trigger: whoever removes the buffer from the table owns
			// the flush. A concurrently firing timer may have won already.
			if !a.removeIfCurrent(env.GroupID, b) {
				b.mu.Unlock()
				return Buffered
			}
			if b.timer != nil {
				b.timer.Stop()
			}
			b.flushed = true
			items := b.items
			b.mu.Unlock()
			a.flush(b, items)
			return Buffered
		}

		// Reset the clock: cancel-and-replace is the only debounce mechanism.
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(a.cfg.Debounce, func() { a.onDeadline(env.GroupID, b) })
		b.mu.Unlock()
		return Buffered
	}
}

// Stop flushes every in-flight buffer. Called on shutdown so fragments
// collected so far are not lost with the process.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	pending := make([]*buffer, 0, len(a.buffers))
	for _, b := range a.buffers {
		pending = append(pending, b)
	}
	a.buffers = map[string]*buffer{}
	a.mu.Unlock()

	for _, b := range pending {
		b.mu.Lock()
		if b.flushed {
			b.mu.Unlock()
			continue
		}
		if b.timer != nil {
			b.timer.Stop()
		}
		b.flushed = true
		items := b.items
		b.mu.Unlock()
		a.flush(b, items)
	}
	if len(pending) > 0 {
		a.log.Info("flushed pending albums on stop", logx.Int("count", len(pending)))
	}
}

// Pending returns the number of in-flight buffers (diagnostics only).
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	n := len(a.buffers)
	a.mu.Unlock()
	return n
}

func (a *Aggregator) getOrCreate(env transport.Envelope) *buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.buffers[env.GroupID]
	if b == nil {
		b = &buffer{
			groupID:    env.GroupID,
			sourceID:   env.SourceID,
			firstSeqID: env.SequenceID,
			senderID:   env.SenderID,
		}
		a.buffers[env.GroupID] = b
	}
	return b
}

// removeIfCurrent atomically removes b from the table. Returning true is the
// single authorization to flush: exactly one of the max-size and timeout
// triggers can win it.
func (a *Aggregator) removeIfCurrent(groupID string, b *buffer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buffers[groupID] == b {
		delete(a.buffers, groupID)
		return true
	}
	return false
}

func (a *Aggregator) onDeadline(groupID string, b *buffer) {
	if !a.removeIfCurrent(groupID, b) {
		// A max-size flush (or Stop) got there first. A cancelled deadline is
		// normal completion, not an error.
		return
	}
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		return
	}
	b.flushed = true
	items := b.items
	b.mu.Unlock()
	a.flush(b, items)
}

func (a *Aggregator) flush(b *buffer, items []transport.MediaItem) {
	// Restore authoring order: fragments can arrive shuffled, but message ids
	// are assigned monotonically by the platform.
	sort.Slice(items, func(i, j int) bool { return items[i].SeqID < items[j].SeqID })

	sendable := items[:0]
	for _, it := range items {
		if it.Ref.Kind.Groupable() {
			sendable = append(sendable, it)
		}
	}

	if len(sendable) == 0 {
		a.log.Warn("album flush produced no sendable items",
			logx.String("group", b.groupID),
			logx.Int64("source", b.sourceID),
			logx.Int("collected", len(items)))
		if a.bus != nil {
			a.bus.Publish(eventbus.Event{Type: eventbus.EventAlbumDiscarded, Data: AlbumEvent{GroupID: b.groupID, SourceID: b.sourceID}})
		}
		return
	}

	text := ""
	for _, it := range sendable {
		if it.Caption != "" {
			text = it.Caption
			break
		}
	}

	u := Unit{
		SourceID:    b.sourceID,
		AnchorSeqID: b.firstSeqID,
		SenderID:    b.senderID,
		Text:        text,
		Items:       sendable,
	}
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.EventAlbumFlushed, Data: AlbumEvent{GroupID: b.groupID, SourceID: b.sourceID, Items: len(sendable)}})
	}
	a.emit(u)
}

func (a *Aggregator) standaloneUnit(env transport.Envelope) Unit {
	u := Unit{
		SourceID:    env.SourceID,
		AnchorSeqID: env.SequenceID,
		SenderID:    env.SenderID,
		Text:        env.Text,
		Spans:       env.Spans,
	}
	if env.Media != nil {
		u.Items = []transport.MediaItem{{
			Ref:     *env.Media,
			Caption: env.Text,
			Spans:   env.Spans,
			SeqID:   env.SequenceID,
		}}
	}
	return u
}

// AlbumEvent is published on the event bus for album lifecycle events.
type AlbumEvent struct {
	GroupID  string `json:"group_id"`
	SourceID int64  `json:"source_id"`
	Items    int    `json:"items,omitempty"`
}
