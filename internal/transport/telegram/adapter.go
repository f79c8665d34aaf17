// Package telegram binds the transport interfaces to a telebot.v4 bot. The admin
// bot and the client bot each get their own Adapter.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	Name        string // "admin" or "client", used in logs
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Update
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Sender != nil {
			a.push(kit.Update{Kind: kit.UpdateMessage, Message: convertMessage(m)})
		}
		return nil
	}
	for _, ev := range []string{tele.OnText, tele.OnPhoto, tele.OnDocument, tele.OnVideo, tele.OnVoice, tele.OnAudio, tele.OnContact} {
		a.bot.Handle(ev, onMessage)
	}

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		up := &kit.Callback{
			ID:       cb.ID,
			FromID:   cb.Sender.ID,
			FromName: fullName(cb.Sender),
			Data:     cb.Data,
		}
		if m := cb.Message; m != nil && m.Chat != nil {
			up.ChatID = m.Chat.ID
			up.ThreadID = m.ThreadID
			up.MessageID = m.ID
		} else {
			up.ChatID = cb.Sender.ID
		}
		a.push(kit.Update{Kind: kit.UpdateCallback, Callback: up})
		return nil
	})
}

func convertMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     fullName(m.Sender),
		Text:         m.Text,
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	// First attachment wins; Telegram delivers at most one per message anyway.
	switch {
	case m.Photo != nil:
		out.Attachment = &kit.Attachment{Kind: kit.MediaPhoto, FileID: m.Photo.FileID}
	case m.Document != nil:
		out.Attachment = &kit.Attachment{Kind: kit.MediaDocument, FileID: m.Document.FileID, FileName: m.Document.FileName}
	case m.Video != nil:
		out.Attachment = &kit.Attachment{Kind: kit.MediaVideo, FileID: m.Video.FileID}
	case m.Voice != nil:
		out.Attachment = &kit.Attachment{Kind: kit.MediaVoice, FileID: m.Voice.FileID}
	case m.Audio != nil:
		out.Attachment = &kit.Attachment{Kind: kit.MediaAudio, FileID: m.Audio.FileID, FileName: m.Audio.FileName}
	}
	if ct := m.Contact; ct != nil {
		out.Contact = &kit.Contact{UserID: ct.UserID, FirstName: ct.FirstName, LastName: ct.LastName, Phone: ct.PhoneNumber}
	}
	return out
}

func fullName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (a *Adapter) push(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling under a restart loop. Updates that do not fit in out
// are dropped and reported every few seconds.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
		supervisor.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	was := a.running
	a.sup, a.running = nil, false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !was || sup == nil {
		return nil
	}
	sup.Cancel()

	// getUpdates may still be parked in a long poll; cap the wait.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
