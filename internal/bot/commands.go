package bot

import (
	"context"
	"strings"
	"time"

	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

var adminCommands = []kit.BotCommand{
	{Command: "start", Description: "Main menu"},
	{Command: "claims", Description: "My open claims"},
	{Command: "unclaimed", Description: "Messages waiting for an admin"},
	{Command: "reply", Description: "Reply to a client: /reply <tg_id> <text>"},
	{Command: "broadcast", Description: "Announce to every client"},
	{Command: "broadcast_status", Description: "Recent broadcasts"},
	{Command: "history", Description: "Company history"},
	{Command: "cancel", Description: "Leave the current mode"},
	{Command: "help", Description: "Command list"},
}

var clientCommands = []kit.BotCommand{
	{Command: "start", Description: "Your company credentials"},
}

func AdminCommands() []kit.BotCommand  { return sanitizeCommands(adminCommands) }
func ClientCommands() []kit.BotCommand { return sanitizeCommands(clientCommands) }

// commandName converts s to Telegram's [a-z0-9_]{1,32} command alphabet.
func commandName(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "/")))
	var b strings.Builder
	under := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == ' ':
			if b.Len() > 0 && !under {
				b.WriteRune('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

func sanitizeCommands(in []kit.BotCommand) []kit.BotCommand {
	seen := map[string]bool{}
	out := make([]kit.BotCommand, 0, len(in))
	for _, c := range in {
		name := commandName(c.Command)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}
	return out
}

// PublishCommands sets the bot's command menu when the adapter supports it.
func PublishCommands(ctx context.Context, ad kit.Adapter, cmds []kit.BotCommand, log logx.Logger) {
	up, ok := ad.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, cmds); err != nil {
		log.Warn("command menu not published", logx.Err(err))
	}
}
