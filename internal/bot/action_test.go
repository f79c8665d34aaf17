package bot

import (
	"errors"
	"reflect"
	"testing"

	"relaybot/internal/directory"
	kit "relaybot/internal/transport"
)

func msg(text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, FromID: 1, Text: text}}
}

func press(data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", ChatID: 1, FromID: 1, Data: data}}
}

func TestParseAdmin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		up   kit.Update
		want Action
	}{
		{"start", msg("/start"), ShowMenu{}},
		{"start with bot name", msg("/start@relay_admin_bot"), ShowMenu{}},
		{"help", msg("/help"), ShowHelp{}},
		{"cancel", msg("/cancel"), CancelMode{}},
		{"claims", msg("/claims"), ListClaims{}},
		{"status", msg("/broadcast_status"), BroadcastStatus{}},
		{"reply", msg("/reply 500 hello there"), DirectReply{ClientTGID: 500, Text: "hello there"}},
		{"form command with args", msg("/add_client 1|Ann|2"), OpenForm{Form: directory.AddClient, Args: "1|Ann|2"}},
		{"form command bare", msg("/delete_company"), OpenForm{Form: directory.DeleteCompany}},
		{"plain text", msg("hello"), FreeInput{}},
		{"unknown command", msg("/whatever"), FreeInput{}},
		{"claim", press("claim:42"), TakeClaim{MessageID: 42}},
		{"noop", press("noop"), Noop{}},
		{"done", press("reply:done"), FinishReply{}},
		{"resume", press("reply:resume:7"), ResumeClaim{ClaimID: 7}},
		{"bc start", press("bc:start"), BroadcastBegin{}},
		{"bc confirm", press("bc:confirm"), BroadcastConfirm{}},
		{"bc cancel", press("bc:cancel"), BroadcastCancel{}},
		{"menu section", press("menu:companies"), OpenSection{Section: directory.Companies}},
		{"menu unclaimed", press("menu:unclaimed"), ListUnclaimed{}},
		{"menu history", press("menu:history"), History{}},
		{"crud", press("crud:update_admin"), OpenForm{Form: directory.UpdateAdmin}},
		{"history page", press("hist:3:2"), History{CompanyID: 3, Page: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAdmin(tt.up)
			if err != nil {
				t.Fatalf("ParseAdmin: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseAdminRejects(t *testing.T) {
	t.Parallel()

	for _, data := range []string{"claim:x", "claim:-1", "reply:resume:", "menu:nope", "crud:drop", "hist:1:-1", "hist:0:1", "zzz"} {
		if _, err := ParseAdmin(press(data)); !errors.Is(err, ErrUnknownCallback) {
			t.Errorf("ParseAdmin(%q) err = %v, want ErrUnknownCallback", data, err)
		}
	}

	for _, text := range []string{"/reply", "/reply abc hi", "/reply 5", "/reply 5   "} {
		var ue *UsageError
		if _, err := ParseAdmin(msg(text)); !errors.As(err, &ue) {
			t.Errorf("ParseAdmin(%q) err = %v, want UsageError", text, err)
		}
	}
}

func TestParseClient(t *testing.T) {
	t.Parallel()

	if a, ok := ParseClient(msg("/start")); !ok || a != (Welcome{}) {
		t.Fatalf("ParseClient(/start) = %#v, %v", a, ok)
	}
	if a, ok := ParseClient(msg("/help me")); !ok || a != (Inbound{}) {
		t.Fatalf("other commands are inbound messages, got %#v", a)
	}
	group := msg("hi")
	group.Message.IsGroup = true
	if _, ok := ParseClient(group); ok {
		t.Fatal("group message accepted")
	}
	if _, ok := ParseClient(press("claim:1")); ok {
		t.Fatal("callback accepted")
	}
}

func TestCommandName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/Broadcast_Status": "broadcast_status",
		"add-client":        "add_client",
		"  help  ":          "help",
		"a--b":              "a_b",
		"!!!":               "",
	}
	for in, want := range tests {
		if got := commandName(in); got != want {
			t.Errorf("commandName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := len(AdminCommands()); got != len(adminCommands) {
		t.Fatalf("AdminCommands dropped entries: %d", got)
	}
}
