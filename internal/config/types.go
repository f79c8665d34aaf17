package config

import "relaybot/pkg/logx"

// Config is the whole relaybot configuration. File values come first, then
// environment variables override the fields that carry an env tag.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Support      SupportConfig      `json:"support"`
	Storage      StorageConfig      `json:"storage"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Media        MediaConfig        `json:"media"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Logging      LoggingConfig      `json:"logging"`
	Ops          OpsConfig          `json:"ops"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

type TelegramConfig struct {
	AdminToken  string   `json:"admin_token" env:"TELEGRAM_TOKEN_ADMIN"`
	ClientToken string   `json:"client_token" env:"TELEGRAM_TOKEN_CLIENT"`
	PollTimeout Duration `json:"poll_timeout,omitempty"`
	// LogChatID receives warnings through the admin bot when logging.telegram is on.
	LogChatID int64 `json:"log_chat_id,omitempty" env:"LOG_CHAT_ID"`
}

type SupportConfig struct {
	Email string `json:"email" env:"SUPPORT_EMAIL"`
	// InitialAdminID is seeded as a super admin when missing.
	InitialAdminID   int64  `json:"initial_admin_id,omitempty" env:"INITIAL_ADMIN_ID"`
	InitialAdminName string `json:"initial_admin_name,omitempty"`
}

// StorageConfig selects the ledger. A DSN without an explicit driver means
// postgres.
type StorageConfig struct {
	Driver      string   `json:"driver,omitempty" env:"DB_DRIVER"`
	Path        string   `json:"path,omitempty" env:"DB_PATH"`
	DSN         string   `json:"dsn,omitempty" env:"DATABASE_URL"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
	MaxConns    int32    `json:"max_conns,omitempty"`
}

type BroadcastConfig struct {
	// Delay spaces consecutive recipients. Plain numbers are seconds.
	Delay Duration `json:"delay" env:"BROADCAST_DELAY"`
}

type DeliveryConfig struct {
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	TimeoutDelay Duration `json:"timeout_delay,omitempty"`
}

type MediaConfig struct {
	Dir    string   `json:"dir,omitempty" env:"MEDIA_DIR"`
	MaxAge Duration `json:"max_age,omitempty"`
}

type DispatchConfig struct {
	Workers        int      `json:"workers,omitempty"`
	QueueDepth     int      `json:"queue_depth,omitempty"`
	HandlerTimeout Duration `json:"handler_timeout,omitempty"`
	// Buffer of each bot's update channel.
	Updates int `json:"updates,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty" env:"LOG_LEVEL"`
	Format   string          `json:"format,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// OpsConfig controls the ops HTTP server. Non-loopback binds need a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled" env:"OPS_ENABLED"`
	Addr          string `json:"addr,omitempty" env:"OPS_ADDR"`
	Token         string `json:"token,omitempty" env:"OPS_TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout Duration `json:"read_timeout,omitempty"`
	IdleTimeout Duration `json:"idle_timeout,omitempty"`
}

// HousekeepingConfig holds cron specs. An empty spec disables the job.
type HousekeepingConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	MediaSweep      string `json:"media_sweep,omitempty"`
	UnclaimedDigest string `json:"unclaimed_digest,omitempty"`
}

// LogConfig maps the logging section onto the logger's own config.
func (c *Config) LogConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:  l.Level,
		Format: l.Format,
		File:   logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && c.Telegram.LogChatID != 0,
			ChatID:     c.Telegram.LogChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}
