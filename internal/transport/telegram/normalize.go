package telegram

import (
	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
)

// Normalize converts a raw telebot message into a canonical envelope.
//
// It returns nil for events that should not enter the pipeline: service
// messages without user content, direct chats when the deployment is
// channel/group only, and edits when edit forwarding is disabled.
//
// Pure function: no side effects beyond the returned value.
func Normalize(m *tele.Message, edited bool, cfg Config) *transport.Envelope {
	if m == nil || m.Chat == nil {
		return nil
	}
	if edited && !cfg.ForwardEdits {
		return nil
	}
	if cfg.ChannelOnly && m.Chat.Type == tele.ChatPrivate {
		return nil
	}

	media := mediaRef(m)
	text := m.Text
	spans := entitiesToSpans(m.Entities)
	if media != nil {
		text = m.Caption
		spans = entitiesToSpans(m.CaptionEntities)
	}

	// Nothing user-authored to forward (joins, pins, other service noise).
	if media == nil && text == "" {
		return nil
	}

	env := &transport.Envelope{
		SourceID:   m.Chat.ID,
		SequenceID: m.ID,
		Text:       text,
		Spans:      spans,
		GroupID:    m.AlbumID,
		Media:      media,
		Edited:     edited,
	}
	// Channel posts carry no individual sender.
	if m.Sender != nil {
		env.SenderID = m.Sender.ID
	}
	return env
}

func mediaRef(m *tele.Message) *transport.MediaRef {
	switch {
	case m.Photo != nil:
		return &transport.MediaRef{Kind: transport.MediaPhoto, FileID: m.Photo.FileID}
	case m.Video != nil:
		return &transport.MediaRef{Kind: transport.MediaVideo, FileID: m.Video.FileID}
	case m.Animation != nil:
		return &transport.MediaRef{Kind: transport.MediaAnimation, FileID: m.Animation.FileID}
	case m.Document != nil:
		return &transport.MediaRef{Kind: transport.MediaDocument, FileID: m.Document.FileID}
	default:
		return nil
	}
}

func entitiesToSpans(ents tele.Entities) []transport.Span {
	if len(ents) == 0 {
		return nil
	}
	out := make([]transport.Span, 0, len(ents))
	for _, e := range ents {
		out = append(out, transport.Span{
			Type:   string(e.Type),
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		})
	}
	return out
}
