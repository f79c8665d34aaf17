package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"relaybot/internal/broadcast"
	"relaybot/internal/claim"
	"relaybot/internal/directory"
	"relaybot/internal/reply"
	kit "relaybot/internal/transport"
	"relaybot/pkg/tgui"
)

// Action is one parsed admin update. The set is closed: every handler switch
// over it lists all members.
type Action interface{ action() }

type (
	ShowMenu        struct{}
	ShowHelp        struct{}
	CancelMode      struct{}
	ListClaims      struct{}
	ListUnclaimed   struct{}
	BroadcastStatus struct{}
	// OpenSection shows one of the directory list views.
	OpenSection struct{ Section directory.Section }
	// OpenForm enters CrudInput for Form. Args, when set, came with the
	// command and are applied at once.
	OpenForm struct {
		Form directory.Action
		Args string
	}
	DirectReply struct {
		ClientTGID int64
		Text       string
	}
	TakeClaim   struct{ MessageID int64 }
	ResumeClaim struct{ ClaimID int64 }
	FinishReply struct{}
	// History with CompanyID 0 asks for the company picker.
	History struct {
		CompanyID int64
		Page      int
	}
	BroadcastBegin   struct{}
	BroadcastConfirm struct{}
	BroadcastCancel  struct{}
	Noop             struct{}
	// FreeInput is anything else; the session mode decides what it means.
	FreeInput struct{}
)

func (ShowMenu) action()         {}
func (ShowHelp) action()         {}
func (CancelMode) action()       {}
func (ListClaims) action()       {}
func (ListUnclaimed) action()    {}
func (BroadcastStatus) action()  {}
func (OpenSection) action()      {}
func (OpenForm) action()         {}
func (DirectReply) action()      {}
func (TakeClaim) action()        {}
func (ResumeClaim) action()      {}
func (FinishReply) action()      {}
func (History) action()          {}
func (BroadcastBegin) action()   {}
func (BroadcastConfirm) action() {}
func (BroadcastCancel) action()  {}
func (Noop) action()             {}
func (FreeInput) action()        {}

// Menu sections that are not directory lists.
const (
	sectionUnclaimed = "unclaimed"
	sectionHistory   = "history"
	sectionBroadcast = "broadcast"
	sectionClaims    = "claims"

	menuPrefix    = "menu"
	historyPrefix = "hist"
)

// ErrUnknownCallback is returned for callback data no handler owns.
var ErrUnknownCallback = errors.New("bot: unknown callback")

// UsageError is a command with bad arguments.
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string { return fmt.Sprintf("usage: %s", e.Usage) }

// command splits "/cmd@bot rest" into "cmd" and "rest". ok is false for text
// that is not a command.
func command(text string) (name, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	head = strings.ToLower(head)
	if head == "" {
		return "", "", false
	}
	return head, strings.TrimSpace(rest), true
}

// ParseAdmin maps an admin bot update to its action.
func ParseAdmin(up kit.Update) (Action, error) {
	switch up.Kind {
	case kit.UpdateCallback:
		if up.Callback == nil {
			return nil, ErrUnknownCallback
		}
		return parseCallback(up.Callback.Data)
	case kit.UpdateMessage:
		if up.Message == nil {
			return FreeInput{}, nil
		}
		return parseAdminText(up.Message.Text)
	}
	return nil, fmt.Errorf("bot: unsupported update kind %q", up.Kind)
}

func parseAdminText(text string) (Action, error) {
	name, rest, ok := command(text)
	if !ok {
		return FreeInput{}, nil
	}
	switch name {
	case "start", "menu":
		return ShowMenu{}, nil
	case "help":
		return ShowHelp{}, nil
	case "cancel":
		return CancelMode{}, nil
	case "claims":
		return ListClaims{}, nil
	case "unclaimed":
		return ListUnclaimed{}, nil
	case "broadcast":
		return BroadcastBegin{}, nil
	case "broadcast_status":
		return BroadcastStatus{}, nil
	case "history":
		return History{}, nil
	case "admins":
		return OpenSection{Section: directory.Admins}, nil
	case "companies":
		return OpenSection{Section: directory.Companies}, nil
	case "clients":
		return OpenSection{Section: directory.Clients}, nil
	case "reply":
		idText, body, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseInt(idText, 10, 64)
		body = strings.TrimSpace(body)
		if err != nil || id <= 0 || body == "" {
			return nil, &UsageError{Command: name, Usage: "/reply <client_tg_id> <text>"}
		}
		return DirectReply{ClientTGID: id, Text: body}, nil
	}
	if form, ok := directory.ParseAction(name); ok {
		return OpenForm{Form: form, Args: rest}, nil
	}
	return FreeInput{}, nil
}

func parseCallback(data string) (Action, error) {
	switch data {
	case claim.NoopData:
		return Noop{}, nil
	case reply.DataDone:
		return FinishReply{}, nil
	case broadcast.DataStart:
		return BroadcastBegin{}, nil
	case broadcast.DataConfirm:
		return BroadcastConfirm{}, nil
	case broadcast.DataCancel:
		return BroadcastCancel{}, nil
	}

	parts := tgui.Split(data)
	switch {
	case len(parts) == 2 && parts[0] == "claim":
		if id, ok := positive(parts[1]); ok {
			return TakeClaim{MessageID: id}, nil
		}
	case len(parts) == 3 && parts[0]+":"+parts[1] == reply.DataResumePrefix:
		if id, ok := positive(parts[2]); ok {
			return ResumeClaim{ClaimID: id}, nil
		}
	case len(parts) == 2 && parts[0] == menuPrefix:
		switch parts[1] {
		case sectionUnclaimed:
			return ListUnclaimed{}, nil
		case sectionHistory:
			return History{}, nil
		case sectionBroadcast:
			return BroadcastBegin{}, nil
		case sectionClaims:
			return ListClaims{}, nil
		case string(directory.Admins), string(directory.Companies), string(directory.Clients):
			return OpenSection{Section: directory.Section(parts[1])}, nil
		}
	case len(parts) == 2 && parts[0] == directory.CrudPrefix:
		if form, ok := directory.ParseAction(parts[1]); ok {
			return OpenForm{Form: form}, nil
		}
	case len(parts) == 3 && parts[0] == historyPrefix:
		id, ok := positive(parts[1])
		page, err := strconv.Atoi(parts[2])
		if ok && err == nil && page >= 0 {
			return History{CompanyID: id, Page: page}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCallback, data)
}

func positive(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil && n > 0
}

// ClientAction is one parsed client bot update.
type ClientAction interface{ clientAction() }

type (
	Welcome struct{}
	Inbound struct{}
)

func (Welcome) clientAction() {}
func (Inbound) clientAction() {}

// ParseClient maps a client bot update to its action. Callbacks are ignored.
func ParseClient(up kit.Update) (ClientAction, bool) {
	if up.Kind != kit.UpdateMessage || up.Message == nil || up.Message.IsGroup {
		return nil, false
	}
	if name, _, ok := command(up.Message.Text); ok && name == "start" {
		return Welcome{}, true
	}
	return Inbound{}, true
}
