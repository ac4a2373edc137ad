// Package telegram is the Telegram Bot API adapter built on telebot.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"genbot/internal/runtime/supervisor"
	"genbot/internal/transport"
	logx "genbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out atomic.Pointer[chan<- transport.Message]

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	// dropped counts updates lost because the consumer fell behind; it is
	// reported periodically rather than per update.
	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: b}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Username() string {
	if a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	msg := transport.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsPrivate:    m.Private(),
	}
	if r := m.ReplyTo; r != nil && r.Sender != nil && a.bot.Me != nil {
		msg.ReplyToBot = r.Sender.ID == a.bot.Me.ID
	}

	p := a.out.Load()
	if p == nil || *p == nil {
		return nil
	}
	select {
	case *p <- msg:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(&out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "telegram"))))
	sup := a.sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		report := func() {
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-t.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop. If it returns early the poller is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.Username()))
		a.bot.Start()
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.out.Store(nil)
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	// Keep shutdown snappy even if a getUpdates long poll is still open.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	a.log.Info("polling stopped")
	return nil
}

func sendOptions(to transport.ChatTarget) *tele.SendOptions {
	opt := &tele.SendOptions{ThreadID: to.ThreadID, DisableWebPagePreview: true}
	if to.ReplyTo != 0 {
		opt.ReplyTo = &tele.Message{ID: to.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
		opt.AllowWithoutReply = true
	}
	return opt
}

// send retries once when Telegram answers with a flood-wait.
func (a *Adapter) send(ctx context.Context, to transport.ChatTarget, what any, opt *tele.SendOptions) (transport.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return transport.MessageRef{}, err
		}
		msg, err := a.bot.Send(chat, what, opt)
		if err == nil {
			return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
		}
		wait, ok := floodWait(err)
		if attempt > 0 || !ok {
			return transport.MessageRef{}, err
		}
		a.log.Warn("telegram flood wait", logx.Duration("retry_after", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return transport.MessageRef{}, ctx.Err()
		case <-t.C:
		}
	}
}

func floodWait(err error) (time.Duration, bool) {
	var fv tele.FloodError
	if errors.As(err, &fv) {
		return time.Duration(fv.RetryAfter) * time.Second, true
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return time.Duration(fp.RetryAfter) * time.Second, true
	}
	return 0, false
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	chunks := splitText(text, textLimit)
	var first transport.MessageRef
	for i, chunk := range chunks {
		opt := sendOptions(to)
		if i > 0 {
			opt.ReplyTo = nil
		}
		ref, err := a.send(ctx, to, chunk, opt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = ref
		}
	}
	return first, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to transport.ChatTarget, m transport.Media) (transport.MessageRef, error) {
	if len(m.Data) == 0 {
		return transport.MessageRef{}, errors.New("media is empty")
	}
	caption := truncate(m.Caption, captionLimit)
	file := tele.FromReader(bytes.NewReader(m.Data))
	var what any
	switch m.Kind {
	case transport.MediaPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case transport.MediaVideo:
		what = &tele.Video{File: file, Caption: caption, MIME: m.MIMEType, FileName: fileName(m, "video.mp4")}
	case transport.MediaAudio:
		what = &tele.Audio{File: file, Caption: caption, MIME: m.MIMEType, FileName: fileName(m, "audio.mp3")}
	default:
		return transport.MessageRef{}, fmt.Errorf("unsupported media kind %q", m.Kind)
	}
	return a.send(ctx, to, what, sendOptions(to))
}

func fileName(m transport.Media, def string) string {
	if m.FileName != "" {
		return m.FileName
	}
	return def
}

func (a *Adapter) SendActivity(ctx context.Context, to transport.ChatTarget, act transport.Activity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Notify(&tele.Chat{ID: to.ChatID}, tele.ChatAction(act), to.ThreadID)
}

// SetCommands publishes the command menu. It only calls Telegram when the
// list changed since the last successful call.
func (a *Adapter) SetCommands(ctx context.Context, cmds []transport.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		out = append(out, tele.Command{Text: c.Command, Description: truncate(d, 256)})
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
