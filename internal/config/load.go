package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

const (
	DefaultDBPath       = "data/relaybot.db"
	DefaultMediaDir     = "data/media"
	DefaultSupportEmail = "support@yourcompany.com"
	DefaultOpsAddr      = "127.0.0.1:9090"
)

// Defaults is the configuration used when no file exists.
func Defaults() *Config {
	return &Config{
		Telegram:  TelegramConfig{PollTimeout: Duration(10 * time.Second)},
		Support:   SupportConfig{Email: DefaultSupportEmail},
		Storage:   StorageConfig{Path: DefaultDBPath, BusyTimeout: Duration(5 * time.Second)},
		Broadcast: BroadcastConfig{Delay: Duration(60 * time.Millisecond)},
		Delivery:  DeliveryConfig{MaxAttempts: 3, TimeoutDelay: Duration(5 * time.Second)},
		Media:     MediaConfig{Dir: DefaultMediaDir, MaxAge: Duration(24 * time.Hour)},
		Dispatch: DispatchConfig{
			Workers:        8,
			QueueDepth:     32,
			HandlerTimeout: Duration(5 * time.Minute),
			Updates:        256,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Ops:     OpsConfig{Addr: DefaultOpsAddr},
		Housekeeping: HousekeepingConfig{
			MediaSweep: "@every 1h",
		},
	}
}

// decode reads a JSON or YAML document over cfg. Unknown fields are rejected.
func decode(path string, data []byte, cfg *Config) error {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// Read builds a Config from defaults, the file at path (optional when missing)
// and the environment, then validates it.
func Read(path string) (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, b, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	s := &cfg.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "sqlite"
		if strings.TrimSpace(s.DSN) != "" {
			s.Driver = "postgres"
		}
	}
	if s.Path == "" {
		s.Path = DefaultDBPath
	}
	if cfg.Support.Email == "" {
		cfg.Support.Email = DefaultSupportEmail
	}
	if cfg.Media.Dir == "" {
		cfg.Media.Dir = DefaultMediaDir
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = DefaultOpsAddr
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 8
	}
	if cfg.Dispatch.QueueDepth <= 0 {
		cfg.Dispatch.QueueDepth = 32
	}
	if cfg.Dispatch.Updates <= 0 {
		cfg.Dispatch.Updates = 256
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery.MaxAttempts = 3
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem that would stop the bots from running.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.AdminToken) == "" {
		errs = append(errs, errors.New("telegram.admin_token (TELEGRAM_TOKEN_ADMIN) is required"))
	}
	if strings.TrimSpace(cfg.Telegram.ClientToken) == "" {
		errs = append(errs, errors.New("telegram.client_token (TELEGRAM_TOKEN_CLIENT) is required"))
	}
	if cfg.Telegram.AdminToken != "" && cfg.Telegram.AdminToken == cfg.Telegram.ClientToken {
		errs = append(errs, errors.New("telegram: admin and client bots need different tokens"))
	}
	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn (DATABASE_URL) is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	if cfg.Delivery.MaxAttempts > 10 {
		errs = append(errs, errors.New("delivery.max_attempts must be <= 10"))
	}
	if tz := strings.TrimSpace(cfg.Housekeeping.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("housekeeping.timezone: %w", err))
		}
	}
	for name, spec := range map[string]string{
		"housekeeping.media_sweep":      cfg.Housekeeping.MediaSweep,
		"housekeeping.unclaimed_digest": cfg.Housekeeping.UnclaimedDigest,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if cfg.Ops.Enabled {
		if err := checkOpsBind(cfg.Ops); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkOpsBind(o OpsConfig) error {
	host, _, err := net.SplitHostPort(o.Addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if o.Token != "" || o.AllowInsecure {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", o.Addr)
}
