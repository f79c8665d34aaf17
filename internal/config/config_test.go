package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func validBase() *Config {
	c := Defaults()
	c.Telegram.AdminToken = "admin"
	c.Telegram.ClientToken = "client"
	normalize(c)
	return c
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"0.06", 60 * time.Millisecond, true},
		{"2", 2 * time.Second, true},
		{"250ms", 250 * time.Millisecond, true},
		{" 1m30s ", 90 * time.Second, true},
		{"-1", 0, false},
		{"-5s", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("ParseDuration(%q) err=%v, want ok=%v", tc.in, err, tc.ok)
		}
		if tc.ok && got.D() != tc.want {
			t.Fatalf("ParseDuration(%q)=%v, want %v", tc.in, got.D(), tc.want)
		}
	}
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":0.5,"b":"3s"}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A.D() != 500*time.Millisecond || v.B.D() != 3*time.Second {
		t.Fatalf("got a=%v b=%v", v.A, v.B)
	}
	if err := json.Unmarshal([]byte(`{"a":true}`), &v); err == nil {
		t.Fatal("bool accepted as duration")
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"3s"`) {
		t.Fatalf("marshal: %s", b)
	}
}

func TestReadYAML(t *testing.T) {
	p := writeFile(t, "relaybot.yaml", `
telegram:
  admin_token: a
  client_token: c
support:
  email: help@example.com
  initial_admin_id: 42
broadcast:
  delay: 0.5
delivery:
  max_attempts: 5
  timeout_delay: 2s
housekeeping:
  unclaimed_digest: "0 9 * * *"
`)
	cfg, err := Read(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Support.Email != "help@example.com" || cfg.Support.InitialAdminID != 42 {
		t.Fatalf("support = %+v", cfg.Support)
	}
	if cfg.Broadcast.Delay.D() != 500*time.Millisecond {
		t.Fatalf("delay = %v", cfg.Broadcast.Delay)
	}
	if cfg.Delivery.MaxAttempts != 5 || cfg.Delivery.TimeoutDelay.D() != 2*time.Second {
		t.Fatalf("delivery = %+v", cfg.Delivery)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != DefaultDBPath {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Fatalf("defaults lost: %+v", cfg.Dispatch)
	}
}

func TestReadJSONRejectsUnknownField(t *testing.T) {
	p := writeFile(t, "relaybot.json", `{"telegram":{"admin_token":"a","client_token":"c"},"speedtest":{}}`)
	if _, err := Read(p); err == nil || !strings.Contains(err.Error(), "speedtest") {
		t.Fatalf("err = %v, want unknown field", err)
	}
}

func TestReadEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "relaybot.yaml", "telegram:\n  admin_token: file-admin\n  client_token: file-client\nbroadcast:\n  delay: 1s\n")
	t.Setenv("TELEGRAM_TOKEN_ADMIN", "env-admin")
	t.Setenv("BROADCAST_DELAY", "0.06")
	t.Setenv("SUPPORT_EMAIL", "ops@example.com")

	cfg, err := Read(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.AdminToken != "env-admin" || cfg.Telegram.ClientToken != "file-client" {
		t.Fatalf("tokens = %q %q", cfg.Telegram.AdminToken, cfg.Telegram.ClientToken)
	}
	if cfg.Broadcast.Delay.D() != 60*time.Millisecond {
		t.Fatalf("delay = %v", cfg.Broadcast.Delay)
	}
	if cfg.Support.Email != "ops@example.com" {
		t.Fatalf("email = %q", cfg.Support.Email)
	}
}

func TestReadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN_ADMIN", "a")
	t.Setenv("TELEGRAM_TOKEN_CLIENT", "c")
	t.Setenv("DATABASE_URL", "postgres://relay@localhost/relay")

	cfg, err := Read(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Fatalf("driver = %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Broadcast.Delay.D() != 60*time.Millisecond {
		t.Fatalf("default delay = %v", cfg.Broadcast.Delay)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"no admin token", func(c *Config) { c.Telegram.AdminToken = "" }, "TELEGRAM_TOKEN_ADMIN"},
		{"same tokens", func(c *Config) { c.Telegram.ClientToken = "admin" }, "different tokens"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown"},
		{"too many attempts", func(c *Config) { c.Delivery.MaxAttempts = 11 }, "max_attempts"},
		{"bad timezone", func(c *Config) { c.Housekeeping.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad cron", func(c *Config) { c.Housekeeping.UnclaimedDigest = "every day" }, "unclaimed_digest"},
		{"public ops bind", func(c *Config) { c.Ops.Enabled = true; c.Ops.Addr = "0.0.0.0:9090" }, "not loopback"},
		{"public ops with token", func(c *Config) {
			c.Ops.Enabled = true
			c.Ops.Addr = "0.0.0.0:9090"
			c.Ops.Token = "s3cret"
		}, ""},
		{"ops disabled ignores bind", func(c *Config) { c.Ops.Addr = "0.0.0.0:9090" }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tc.mut(c)
			err := Validate(c)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLogConfigNeedsChat(t *testing.T) {
	t.Parallel()
	c := validBase()
	c.Logging.Telegram.Enabled = true
	if c.LogConfig().Telegram.Enabled {
		t.Fatal("telegram sink enabled without a chat")
	}
	c.Telegram.LogChatID = -100
	lc := c.LogConfig()
	if !lc.Telegram.Enabled || lc.Telegram.ChatID != -100 {
		t.Fatalf("telegram = %+v", lc.Telegram)
	}
}

func TestManagerReload(t *testing.T) {
	p := writeFile(t, "relaybot.yaml", "telegram:\n  admin_token: a\n  client_token: c\n")
	m := NewManager(p)
	if !m.Watchable() {
		t.Fatal("existing file not watchable")
	}
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if m.Reload(ctx) {
		t.Fatal("unchanged file published")
	}

	if err := os.WriteFile(p, []byte("telegram:\n  admin_token: a\n  client_token: c\nbroadcast:\n  delay: 2s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.Reload(ctx) {
		t.Fatal("changed file not published")
	}
	got := <-ch
	if got.Broadcast.Delay.D() != 2*time.Second || m.Get() != got {
		t.Fatalf("published delay = %v", got.Broadcast.Delay)
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	if err := os.WriteFile(p, []byte("telegram:\n  admin_token: a\n  client_token: c\nbroadcast:\n  delay: 3s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.Reload(ctx) {
		t.Fatal("rejected config published")
	}
	if m.Get().Broadcast.Delay.D() != 2*time.Second {
		t.Fatal("rejected config committed")
	}

	if err := os.WriteFile(p, []byte("telegram: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.Reload(ctx) {
		t.Fatal("broken file published")
	}
}

func TestManagerNotWatchable(t *testing.T) {
	t.Parallel()
	if NewManager("").Watchable() {
		t.Fatal("empty path watchable")
	}
	if NewManager(filepath.Join(t.TempDir(), "nope.yaml")).Watchable() {
		t.Fatal("missing file watchable")
	}
}
