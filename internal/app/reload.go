package app

import (
	"context"
	"fmt"
	"strings"

	"relaybot/internal/config"
	"relaybot/internal/delivery"
	"relaybot/internal/housekeeping"
	"relaybot/internal/opshttp"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

func storageConfig(cfg *config.Config) storage.Config {
	s := cfg.Storage
	return storage.Config{
		Driver:      s.Driver,
		Path:        s.Path,
		DSN:         s.DSN,
		BusyTimeout: s.BusyTimeout.D(),
		MaxConns:    s.MaxConns,
	}
}

func deliveryPolicy(cfg *config.Config) delivery.Policy {
	return delivery.Policy{
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		TimeoutDelay: cfg.Delivery.TimeoutDelay.D(),
	}
}

func opsConfig(cfg *config.Config) opshttp.Config {
	o := cfg.Ops
	return opshttp.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   o.ReadTimeout.D(),
		IdleTimeout:   o.IdleTimeout.D(),
	}
}

func houseConfig(cfg *config.Config) housekeeping.Config {
	h := cfg.Housekeeping
	return housekeeping.Config{
		Timezone: h.Timezone,
		Specs: map[string]string{
			housekeeping.JobMediaSweep:      h.MediaSweep,
			housekeeping.JobUnclaimedDigest: h.UnclaimedDigest,
		},
	}
}

// restartOnly rejects reloads that touch settings bound at startup.
func restartOnly(cur, next *config.Config) error {
	if cur == nil {
		return nil
	}
	var changed []string
	if cur.Telegram.AdminToken != next.Telegram.AdminToken || cur.Telegram.ClientToken != next.Telegram.ClientToken {
		changed = append(changed, "telegram tokens")
	}
	if cur.Storage != next.Storage {
		changed = append(changed, "storage")
	}
	if cur.Media.Dir != next.Media.Dir {
		changed = append(changed, "media.dir")
	}
	if cur.Dispatch != next.Dispatch {
		changed = append(changed, "dispatch")
	}
	if len(changed) > 0 {
		return fmt.Errorf("restart required to change %s", strings.Join(changed, ", "))
	}
	return nil
}

// watchConfig follows the config file and applies each published reload.
func (a *App) watchConfig() {
	if !a.cfgm.Watchable() {
		a.log.Debug("config watch disabled", logx.String("path", a.cfgm.Path()))
		return
	}
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(c, next)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

// apply pushes the live settings of cfg into the running components.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(cfg.LogConfig())
	a.deliver.SetPolicy(deliveryPolicy(cfg))
	a.engine.SetDelay(cfg.Broadcast.Delay.D())
	if err := a.ops.Reconfigure(ctx, opsConfig(cfg)); err != nil {
		a.log.Warn("ops config not applied", logx.Err(err))
	}
	if err := a.house.Apply(houseConfig(cfg)); err != nil {
		a.log.Warn("housekeeping config not applied", logx.Err(err))
	}
	a.log.Info("config reloaded",
		logx.String("log_level", cfg.Logging.Level),
		logx.Int("max_attempts", cfg.Delivery.MaxAttempts),
		logx.Duration("broadcast_delay", cfg.Broadcast.Delay.D()),
	)
}
