package forward

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"relaybot/internal/album"
	"relaybot/internal/eventbus"
	"relaybot/internal/queue"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type capturedJob struct {
	jobType string
	key     string
	payload []byte
}

type fakeQueue struct {
	mu       sync.Mutex
	jobs     []capturedJob
	failures int // fail this many Enqueue calls before succeeding
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType, key string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return "", errors.New("queue temporarily unavailable")
	}
	q.jobs = append(q.jobs, capturedJob{jobType: jobType, key: key, payload: payload})
	return "id-1", nil
}

func (q *fakeQueue) Run(context.Context, map[string]queue.Handler) error { return nil }
func (q *fakeQueue) Prune(context.Context) error                         { return nil }
func (q *fakeQueue) Close() error                                        { return nil }

func (q *fakeQueue) captured() []capturedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]capturedJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}

func TestEnqueueUnitRoundTrip(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	e := NewEnqueuer(q, logx.Nop(), nil)

	u := album.Unit{
		SourceID:    -100123,
		AnchorSeqID: 42,
		SenderID:    7,
		Text:        "caption",
		Items: []transport.MediaItem{
			{Ref: transport.MediaRef{Kind: transport.MediaPhoto, FileID: "f1"}, SeqID: 42},
		},
	}
	id, err := e.EnqueueUnit(context.Background(), u)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if id != "id-1" {
		t.Fatalf("id = %q", id)
	}

	jobs := q.captured()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].jobType != JobTypeForward {
		t.Fatalf("type = %q", jobs[0].jobType)
	}
	if jobs[0].key != "fwd:-100123:42" {
		t.Fatalf("key = %q, want fwd:-100123:42", jobs[0].key)
	}

	var p ForwardPayload
	if err := json.Unmarshal(jobs[0].payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.SourceID != u.SourceID || p.AnchorSeqID != 42 || p.Text != "caption" || len(p.Items) != 1 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestEnqueueRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{failures: 2}
	e := NewEnqueuer(q, logx.Nop(), nil)

	if _, err := e.EnqueueUnit(context.Background(), album.Unit{SourceID: 1, AnchorSeqID: 1}); err != nil {
		t.Fatalf("err = %v, want success on the third attempt", err)
	}
	if len(q.captured()) != 1 {
		t.Fatalf("jobs = %d, want exactly 1", len(q.captured()))
	}
}

func TestEnqueueGivesUpAndReportsLoss(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{failures: 100}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	e := NewEnqueuer(q, logx.Nop(), bus)
	if _, err := e.EnqueueUnit(context.Background(), album.Unit{SourceID: 1, AnchorSeqID: 9}); err == nil {
		t.Fatal("err = nil, want failure after exhausting retries")
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.EventEnqueueFailed {
			t.Fatalf("event = %q, want %q", ev.Type, eventbus.EventEnqueueFailed)
		}
	default:
		t.Fatal("no enqueue-failed event published")
	}
}

func TestEnqueueNotificationKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload NotifyPayload
		wantKey string
	}{
		{
			name:    "direct recipient",
			payload: NotifyPayload{RecipientID: 55, Text: "x", CorrelationID: "news-9"},
			wantKey: "ntf:news-9:55",
		},
		{
			name:    "index addressed",
			payload: NotifyPayload{ListKey: "batch", Index: 3, Text: "x", CorrelationID: "news-9"},
			wantKey: "ntf:news-9:3",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := &fakeQueue{}
			e := NewEnqueuer(q, logx.Nop(), nil)
			if _, err := e.EnqueueNotification(context.Background(), tt.payload); err != nil {
				t.Fatalf("err = %v", err)
			}
			jobs := q.captured()
			if len(jobs) != 1 || jobs[0].jobType != JobTypeNotify {
				t.Fatalf("jobs = %+v", jobs)
			}
			if jobs[0].key != tt.wantKey {
				t.Fatalf("key = %q, want %q", jobs[0].key, tt.wantKey)
			}
		})
	}
}
