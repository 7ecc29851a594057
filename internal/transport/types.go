package transport

import "context"

// MediaKind identifies the attachment type carried by an envelope.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
)

// Groupable reports whether this media kind can be part of a Telegram album.
// Documents and animations arrive with a group id too, but the Bot API only
// accepts photo/video mixes in sendMediaGroup.
func (k MediaKind) Groupable() bool {
	return k == MediaPhoto || k == MediaVideo
}

// MediaRef is a platform file handle plus its kind. It never carries bytes;
// the Bot API re-sends by file id.
type MediaRef struct {
	Kind   MediaKind `json:"kind"`
	FileID string    `json:"file_id"`
}

// Span is a rich-text formatting marker (subset of Telegram message entities).
type Span struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// Envelope is the canonical, immutable view of one inbound platform message.
//
// It is created once by the normalizer, consumed by the album aggregator and
// then discarded. GroupID is non-empty only for multi-part posts (albums).
type Envelope struct {
	SourceID   int64
	SequenceID int // platform-assigned message id within the source chat
	SenderID   int64
	Text       string
	Spans      []Span
	GroupID    string
	Media      *MediaRef
	Edited     bool
}

// MediaItem is one entry of a finalized unit's attachment list.
// SeqID is the platform message id of the fragment that carried the media;
// it restores authoring order when album fragments arrive shuffled.
type MediaItem struct {
	Ref     MediaRef `json:"ref"`
	Caption string   `json:"caption,omitempty"`
	Spans   []Span   `json:"spans,omitempty"`
	SeqID   int      `json:"seq_id"`
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Button is one inline keyboard button. Exactly one of URL or CallbackData
// should be set.
type Button struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Spans          []Span
	Buttons        [][]Button
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Sender is the outbound half of the messaging API.
//
// Implementations classify platform errors with the marker helpers in this
// package (Permanent, Unreachable, RetryAfter) so callers never inspect
// platform-specific error types.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, items []MediaItem, caption string, opt *SendOptions) (MessageRef, error)
}

// Source is the inbound half: an opaque stream of normalized envelopes.
type Source interface {
	Start(ctx context.Context, out chan<- Envelope) error
	Stop(ctx context.Context) error
}
