package telegram

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	tele "gopkg.in/telebot.v4"

	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1000
)

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 {
			so.ReplyMarkup = markup(opt.Keyboard)
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMedia uploads att.LocalPath when set, otherwise re-references att.FileID.
// Long captions are cut; the remainder follows as a text message.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, att kit.Attachment, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	var file tele.File
	switch {
	case att.LocalPath != "":
		if _, err := os.Stat(att.LocalPath); err != nil {
			return kit.MessageRef{}, fmt.Errorf("telegram: local media: %w", err)
		}
		file = tele.FromDisk(att.LocalPath)
	case att.FileID != "":
		file = tele.File{FileID: att.FileID}
	default:
		return kit.MessageRef{}, fmt.Errorf("telegram: attachment has neither file id nor local path")
	}

	head, rest := caption, ""
	if parts := splitText(caption, captionLimit, opt.ParseMode); len(parts) > 1 {
		head = parts[0]
		rest = caption[len(head):]
	}

	var what any
	switch att.Kind {
	case kit.MediaPhoto:
		what = &tele.Photo{File: file, Caption: head}
	case kit.MediaVideo:
		what = &tele.Video{File: file, Caption: head}
	case kit.MediaVoice:
		what = &tele.Voice{File: file, Caption: head}
	case kit.MediaAudio:
		what = &tele.Audio{File: file, Caption: head, FileName: att.FileName}
	default:
		name := att.FileName
		if name == "" && att.LocalPath != "" {
			name = filepath.Base(att.LocalPath)
		}
		what = &tele.Document{File: file, Caption: head, FileName: name}
	}

	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, what, &tele.SendOptions{
		ParseMode:   opt.ParseMode,
		ThreadID:    to.ThreadID,
		ReplyMarkup: markup(opt.Keyboard),
	})
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
	if rest != "" {
		if _, err := a.SendText(ctx, to, rest, &kit.SendOptions{ParseMode: opt.ParseMode}); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

func (a *Adapter) EditKeyboard(ctx context.Context, ref kit.MessageRef, kb kit.Keyboard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	rm := markup(kb)
	if rm == nil {
		rm = &tele.ReplyMarkup{}
	}
	_, err := a.bot.EditReplyMarkup(m, rm)
	return classify(err)
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}))
}

func (a *Adapter) Download(ctx context.Context, fileID string, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := a.bot.Download(&tele.File{FileID: fileID}, dst); err != nil {
		return fmt.Errorf("telegram: download %s: %w", fileID, classify(err))
	}
	return nil
}

// UpdateMenuCommands publishes the command menu, skipping the call when nothing changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram: set commands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func markup(kb kit.Keyboard) *tele.ReplyMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(kb))
	for _, r := range kb {
		row := make([]tele.InlineButton, 0, len(r))
		for _, b := range r {
			row = append(row, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		rows = append(rows, row)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}
