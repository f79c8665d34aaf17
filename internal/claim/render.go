package claim

import (
	"fmt"
	"strings"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/tgui"
)

const (
	// TakenLabel replaces the claim button once a message is owned.
	TakenLabel = "Taken ✅"
	NoopData   = "noop"

	titleRunes   = 60
	captionRunes = 900
)

// Notice is an inbound client message to present to every admin. Attachment,
// when set, must carry a LocalPath: file ids from the client bot cannot be
// used by the admin bot.
type Notice struct {
	MessageID  int64
	Client     storage.Client
	Text       string
	Attachment *kit.Attachment
}

func ClaimData(messageID int64) string { return tgui.DataID("claim", messageID) }

func ClaimKeyboard(messageID int64) kit.Keyboard {
	return tgui.NewInline().Row(tgui.Btn("🙋 Claim", ClaimData(messageID))).Keyboard()
}

func TakenKeyboard() kit.Keyboard {
	return tgui.NewInline().Row(tgui.Btn(TakenLabel, NoopData)).Keyboard()
}

// ReplyKeyboard is attached to the reply mode prompt.
func ReplyKeyboard() kit.Keyboard {
	return tgui.NewInline().Row(tgui.Btn("✅ Done", "reply:done")).Keyboard()
}

func renderNotice(n Notice, limit int) string {
	b := tgui.New().
		Title("📨", fmt.Sprintf("New message #%d", n.MessageID)).
		KV("Client", fmt.Sprintf("%s (%d)", n.Client.Name, n.Client.TGID)).
		KV("Company", n.Client.CompanyLabel())
	if n.Attachment != nil {
		b.KV("Attachment", string(n.Attachment.Kind))
	}
	if t := strings.TrimSpace(n.Text); t != "" {
		b.Blank().Line(tgui.TruncRunes(t, limit))
	}
	return b.Build().Text
}

func renderPrompt(c storage.Claim, m storage.Message) tgui.Message {
	b := tgui.New().
		Title("✍️", fmt.Sprintf("Replying to message #%d", c.MessageID)).
		KV("Company", m.CompanySnapshot)
	if t := strings.TrimSpace(m.Text); t != "" {
		b.RawLine(tgui.I(tgui.TruncRunes(t, 300)))
	}
	return b.Blank().
		Line("Everything you send now goes to this client. Press Done when finished.").
		Inline(ReplyKeyboard()).
		Build()
}

func title(client string) string {
	return tgui.TruncRunes("Request from "+tgui.OneLine(client), titleRunes)
}
