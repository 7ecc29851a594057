package forward

import "relaybot/internal/transport"

// Durable job types consumed by the delivery worker.
const (
	JobTypeForward = "forward"
	JobTypeNotify  = "notify"
)

// ForwardPayload is the durable description of one finalized unit: a
// standalone post, a single attachment, or a flushed album. It is immutable
// once enqueued.
type ForwardPayload struct {
	SourceID    int64                 `json:"source_id"`
	AnchorSeqID int                   `json:"anchor_seq_id"`
	SenderID    int64                 `json:"sender_id,omitempty"`
	Text        string                `json:"text,omitempty"`
	Spans       []transport.Span      `json:"spans,omitempty"`
	Items       []transport.MediaItem `json:"items,omitempty"`
}

// NotifyPayload describes one notification send. The recipient is either
// named directly or addressed by index into a previously cached recipient
// list (the selection process building those lists is external to this core).
type NotifyPayload struct {
	RecipientID int64  `json:"recipient_id,omitempty"`
	ListKey     string `json:"list_key,omitempty"`
	Index       int    `json:"index,omitempty"`

	Text        string               `json:"text"`
	Rich        bool                 `json:"rich,omitempty"`
	ImageFileID string               `json:"image_file_id,omitempty"`
	Buttons     [][]transport.Button `json:"buttons,omitempty"`

	// CorrelationID ties the notification back to its source item (news id,
	// signal id, ...). Used for job keys and logging only.
	CorrelationID string `json:"correlation_id"`
	Category      string `json:"category,omitempty"`
}
