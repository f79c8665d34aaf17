package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type telegramLine struct {
	chatID   int64
	threadID int
	text     string
}

// telegramSink forwards log lines at or above MinLevel to a chat. It never blocks
// the caller: lines beyond the rate or the queue are dropped.
type telegramSink struct {
	sender Sender
	queue  chan telegramLine

	mu      sync.Mutex
	cfg     TelegramConfig
	min     zerolog.Level
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan telegramLine, 128)}
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	t.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if cfg.Enabled && t.sender != nil && t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})
		go t.run(ctx, t.done)
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = t.sender.SendLog(sctx, ln.chatID, ln.threadID, ln.text)
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	cfg, min, lim := t.cfg, t.min, t.limiter
	t.mu.Unlock()

	if !cfg.Enabled || cfg.ChatID == 0 || t.sender == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	text := renderLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramLine{chatID: cfg.ChatID, threadID: cfg.ThreadID, text: text}:
	default:
	}
	return len(p), nil
}

// renderLine turns a zerolog JSON line into "[LEVEL] message" followed by sorted
// key=value lines.
func renderLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
