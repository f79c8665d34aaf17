// Package transporttest provides a recording transport.Adapter for tests.
package transporttest

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	kit "relaybot/internal/transport"
)

// Sent is one recorded outgoing message.
type Sent struct {
	To         kit.ChatTarget
	Text       string
	Attachment *kit.Attachment
	Keyboard   kit.Keyboard
	ParseMode  string
}

type Edit struct {
	Ref      kit.MessageRef
	Keyboard kit.Keyboard
}

// Adapter records every call. Per-chat error scripts are consumed one entry per
// send attempt; a nil entry means success.
type Adapter struct {
	mu       sync.Mutex
	sent     []Sent
	attempts map[int64]int
	edits    []Edit
	answers  []string
	scripts  map[int64][]error
	nextID   int

	// DownloadErr, when set, fails every Download.
	DownloadErr error
	Downloads   []string

	// BeforeSend, when set, runs ahead of every send attempt, outside the lock.
	BeforeSend func(to kit.ChatTarget)
}

func New() *Adapter {
	return &Adapter{scripts: map[int64][]error{}, attempts: map[int64]int{}}
}

// Script queues results for the next sends to chatID.
func (a *Adapter) Script(chatID int64, results ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[chatID] = append(a.scripts[chatID], results...)
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                         { return nil }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return a.record(to, Sent{To: to, Text: text}, opt)
}

func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, att kit.Attachment, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	cp := att
	return a.record(to, Sent{To: to, Text: caption, Attachment: &cp}, opt)
}

func (a *Adapter) record(to kit.ChatTarget, s Sent, opt *kit.SendOptions) (kit.MessageRef, error) {
	if a.BeforeSend != nil {
		a.BeforeSend(to)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[to.ChatID]++
	if q := a.scripts[to.ChatID]; len(q) > 0 {
		err := q[0]
		a.scripts[to.ChatID] = q[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	if opt != nil {
		s.Keyboard = opt.Keyboard
		s.ParseMode = opt.ParseMode
	}
	a.sent = append(a.sent, s)
	a.nextID++
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: a.nextID}, nil
}

func (a *Adapter) EditKeyboard(ctx context.Context, ref kit.MessageRef, kb kit.Keyboard) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, Edit{Ref: ref, Keyboard: kb})
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func (a *Adapter) Download(ctx context.Context, fileID string, dst string) error {
	a.mu.Lock()
	err := a.DownloadErr
	a.Downloads = append(a.Downloads, fileID)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("media:"+fileID), 0o644)
}

// Sent returns a copy of every successful send.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

// SentTo returns successful sends to chatID.
func (a *Adapter) SentTo(chatID int64) []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Sent
	for _, s := range a.sent {
		if s.To.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

// Attempts counts send calls to chatID, failed ones included.
func (a *Adapter) Attempts(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[chatID]
}

func (a *Adapter) Edits() []Edit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Edit(nil), a.edits...)
}

func (a *Adapter) Answers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.answers...)
}
