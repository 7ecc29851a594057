package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// ChannelOnly drops direct person-to-person chats at normalization time.
	ChannelOnly bool

	// ForwardEdits re-triggers forwarding when a post is edited.
	// Off by default: every edit of an already-forwarded album or post would
	// produce a duplicate send downstream.
	ForwardEdits bool

	// RatePerSec smooths all outbound Bot API calls from this process.
	// This sits underneath the per-recipient windowed limiter.
	RatePerSec int
}

// Adapter bridges telebot to the normalized transport types. It is both the
// inbound Source (long-poll loop feeding envelopes) and the outbound Sender.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	out       chan<- transport.Envelope
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts envelopes dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Envelope) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped envelopes (avoid noisy per-update logs).
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				// Final flush.
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	emit := func(c tele.Context, edited bool) error {
		env := Normalize(c.Message(), edited, a.cfg)
		if env == nil {
			return nil
		}
		select {
		case out <- *env:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
		return nil
	}

	onNew := func(c tele.Context) error { return emit(c, false) }
	onEdited := func(c tele.Context) error { return emit(c, true) }

	// Telebot routes by content type; all message-bearing endpoints funnel
	// into the same normalizer.
	a.bot.Handle(tele.OnText, onNew)
	a.bot.Handle(tele.OnPhoto, onNew)
	a.bot.Handle(tele.OnVideo, onNew)
	a.bot.Handle(tele.OnDocument, onNew)
	a.bot.Handle(tele.OnAnimation, onNew)
	a.bot.Handle(tele.OnChannelPost, onNew)
	a.bot.Handle(tele.OnEdited, onEdited)
	a.bot.Handle(tele.OnEditedChannelPost, onEdited)

	go func() {
		defer a.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if cancel != nil {
		cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("telegram stop timed out", logx.Any("err", ctx.Err()))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := a.waitSendSlot(ctx); err != nil {
		return transport.MessageRef{}, err
	}

	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, text, sendOptions(to, opt))
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to transport.ChatTarget, items []transport.MediaItem, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if len(items) == 0 {
		return a.SendText(ctx, to, caption, opt)
	}
	if err := a.waitSendSlot(ctx); err != nil {
		return transport.MessageRef{}, err
	}

	chat := &tele.Chat{ID: to.ChatID}

	if len(items) == 1 {
		input := inputtable(items[0], caption)
		if input == nil {
			return transport.MessageRef{}, transport.Permanent(errors.New("unsupported media kind: " + string(items[0].Ref.Kind)))
		}
		msg, err := a.bot.Send(chat, input, sendOptions(to, opt))
		if err != nil {
			return transport.MessageRef{}, classify(err)
		}
		return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
	}

	album := make(tele.Album, 0, len(items))
	for i, it := range items {
		cap := it.Caption
		// The album-level caption rides on the first item.
		if i == 0 && caption != "" {
			cap = caption
		}
		if input := inputtable(it, cap); input != nil {
			album = append(album, input)
		}
	}
	if len(album) == 0 {
		return transport.MessageRef{}, transport.Permanent(errors.New("album has no sendable items"))
	}

	msgs, err := a.bot.SendAlbum(chat, album, sendOptions(to, opt))
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	ref := transport.MessageRef{ChatID: to.ChatID}
	if len(msgs) > 0 {
		ref.MessageID = msgs[0].ID
	}
	return ref, nil
}

func (a *Adapter) waitSendSlot(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.limiter != nil {
		return a.limiter.Wait(ctx)
	}
	return nil
}

func inputtable(it transport.MediaItem, caption string) tele.Inputtable {
	file := tele.File{FileID: it.Ref.FileID}
	switch it.Ref.Kind {
	case transport.MediaPhoto:
		return &tele.Photo{File: file, Caption: caption}
	case transport.MediaVideo:
		return &tele.Video{File: file, Caption: caption}
	case transport.MediaDocument:
		return &tele.Document{File: file, Caption: caption}
	case transport.MediaAnimation:
		return &tele.Animation{File: file, Caption: caption}
	default:
		return nil
	}
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions) *tele.SendOptions {
	out := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return out
	}
	out.ParseMode = opt.ParseMode
	out.DisableWebPagePreview = opt.DisablePreview
	if opt.ParseMode == "" && len(opt.Spans) > 0 {
		out.Entities = spansToEntities(opt.Spans)
	}
	if rm := replyMarkup(opt.Buttons); rm != nil {
		out.ReplyMarkup = rm
	}
	return out
}

func replyMarkup(rows [][]transport.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.CallbackData})
		}
		keyboard = append(keyboard, btns)
	}
	if len(keyboard) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: keyboard}
}

func spansToEntities(spans []transport.Span) tele.Entities {
	out := make(tele.Entities, 0, len(spans))
	for _, s := range spans {
		out = append(out, tele.MessageEntity{
			Type:   tele.EntityType(s.Type),
			Offset: s.Offset,
			Length: s.Length,
			URL:    s.URL,
		})
	}
	return out
}
