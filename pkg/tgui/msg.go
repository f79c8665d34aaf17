package tgui

import (
	"context"
	"strings"

	kit "relaybot/internal/transport"
)

// Message is rendered text plus send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	return ad.SendText(ctx, to, m.Text, m.Opt)
}

// Builder renders HTML messages. Text added through Line, KV and Title is
// escaped; RawLine is not.
type Builder struct {
	lines []string
	kb    kit.Keyboard
}

func New() *Builder { return &Builder{} }

func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
	} else {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, Esc(s).String())
	return b
}

func (b *Builder) RawLine(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds a "• key: value" row. Blank values are skipped.
func (b *Builder) KV(key, value string) *Builder {
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if key == "" || value == "" {
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(value).String())
	return b
}

// Inline attaches a keyboard.
func (b *Builder) Inline(kb kit.Keyboard) *Builder {
	b.kb = kb
	return b
}

func (b *Builder) Build() Message {
	return Message{
		Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"),
		Opt:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: b.kb},
	}
}
