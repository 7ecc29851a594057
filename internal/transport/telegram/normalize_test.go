package telegram

import (
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
)

func channelMsg(id int, text string) *tele.Message {
	return &tele.Message{
		ID:   id,
		Chat: &tele.Chat{ID: -100500, Type: tele.ChatChannel},
		Text: text,
	}
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	m := channelMsg(12, "hello")
	env := Normalize(m, false, Config{})
	if env == nil {
		t.Fatal("env = nil")
	}
	if env.SourceID != -100500 || env.SequenceID != 12 || env.Text != "hello" {
		t.Fatalf("env = %+v", env)
	}
	if env.Media != nil || env.GroupID != "" {
		t.Fatalf("text message carried media/group: %+v", env)
	}
}

func TestNormalizeDropsNilAndServiceMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *tele.Message
	}{
		{"nil message", nil},
		{"nil chat", &tele.Message{ID: 1}},
		{"service message", &tele.Message{ID: 1, Chat: &tele.Chat{ID: 5, Type: tele.ChatChannel}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if env := Normalize(tt.msg, false, Config{}); env != nil {
				t.Fatalf("env = %+v, want nil", env)
			}
		})
	}
}

func TestNormalizeEditPolicy(t *testing.T) {
	t.Parallel()

	m := channelMsg(3, "edited text")

	if env := Normalize(m, true, Config{}); env != nil {
		t.Fatalf("env = %+v, want nil with edits disabled", env)
	}

	env := Normalize(m, true, Config{ForwardEdits: true})
	if env == nil || !env.Edited {
		t.Fatalf("env = %+v, want edited envelope with forward_edits on", env)
	}
}

func TestNormalizeChannelOnlyDropsPrivateChats(t *testing.T) {
	t.Parallel()

	m := &tele.Message{
		ID:     4,
		Chat:   &tele.Chat{ID: 9, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 9},
		Text:   "dm",
	}
	if env := Normalize(m, false, Config{ChannelOnly: true}); env != nil {
		t.Fatalf("env = %+v, want nil in channel-only mode", env)
	}
	if env := Normalize(m, false, Config{}); env == nil {
		t.Fatal("env = nil, want envelope when private chats are allowed")
	}
}

func TestNormalizePhotoUsesCaption(t *testing.T) {
	t.Parallel()

	m := &tele.Message{
		ID:      7,
		Chat:    &tele.Chat{ID: -1, Type: tele.ChatChannel},
		AlbumID: "album-9",
		Photo:   &tele.Photo{File: tele.File{FileID: "photo-1"}},
		Caption: "the caption",
		CaptionEntities: tele.Entities{
			{Type: tele.EntityBold, Offset: 0, Length: 3},
		},
		Text: "ignored",
	}

	env := Normalize(m, false, Config{})
	if env == nil {
		t.Fatal("env = nil")
	}
	if env.Media == nil || env.Media.Kind != transport.MediaPhoto || env.Media.FileID != "photo-1" {
		t.Fatalf("media = %+v", env.Media)
	}
	if env.Text != "the caption" {
		t.Fatalf("text = %q, want the caption", env.Text)
	}
	if env.GroupID != "album-9" {
		t.Fatalf("group = %q", env.GroupID)
	}
	if len(env.Spans) != 1 || env.Spans[0].Type != string(tele.EntityBold) {
		t.Fatalf("spans = %+v", env.Spans)
	}
}

func TestNormalizeMediaKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *tele.Message
		want transport.MediaKind
	}{
		{"video", &tele.Message{Video: &tele.Video{File: tele.File{FileID: "v"}}}, transport.MediaVideo},
		{"document", &tele.Message{Document: &tele.Document{File: tele.File{FileID: "d"}}}, transport.MediaDocument},
		{"animation", &tele.Message{Animation: &tele.Animation{File: tele.File{FileID: "a"}}}, transport.MediaAnimation},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.msg.ID = 1
			tt.msg.Chat = &tele.Chat{ID: -1, Type: tele.ChatChannel}
			env := Normalize(tt.msg, false, Config{})
			if env == nil || env.Media == nil || env.Media.Kind != tt.want {
				t.Fatalf("env = %+v, want media kind %q", env, tt.want)
			}
		})
	}
}

func TestClassifyFloodError(t *testing.T) {
	t.Parallel()

	err := classify(tele.FloodError{RetryAfter: 17})
	var ra transport.RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("err = %T, want retry-after", err)
	}
	if ra.RetryAfter() != 17*time.Second {
		t.Fatalf("retry after = %v, want 17s", ra.RetryAfter())
	}
	if transport.IsPermanent(err) {
		t.Fatal("flood error classified permanent")
	}
}

func TestClassifyUnreachableSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		reason string
	}{
		{tele.ErrBlockedByUser, "blocked"},
		{tele.ErrUserIsDeactivated, "deactivated"},
		{tele.ErrChatNotFound, "chat_not_found"},
		{tele.ErrKickedFromGroup, "kicked"},
		{tele.ErrKickedFromChannel, "kicked"},
	}
	for _, tt := range tests {
		got := classify(tt.err)
		reason, ok := transport.UnreachableReason(got)
		if !ok || reason != tt.reason {
			t.Fatalf("classify(%v): reason = %q ok=%v, want %q", tt.err, reason, ok, tt.reason)
		}
		if !transport.IsPermanent(got) {
			t.Fatalf("classify(%v) not permanent", tt.err)
		}
	}
}

func TestClassifyGenericAPIErrors(t *testing.T) {
	t.Parallel()

	badRequest := classify(tele.NewError(400, "Bad Request: message is too long"))
	if !transport.IsPermanent(badRequest) {
		t.Fatal("400 not classified permanent")
	}
	if _, ok := transport.UnreachableReason(badRequest); ok {
		t.Fatal("plain 400 must not suppress the recipient")
	}

	serverErr := classify(tele.NewError(502, "Bad Gateway"))
	if transport.IsPermanent(serverErr) {
		t.Fatal("502 classified permanent, want transient")
	}

	netErr := classify(errors.New("dial tcp: i/o timeout"))
	if transport.IsPermanent(netErr) {
		t.Fatal("network error classified permanent, want transient")
	}
}
