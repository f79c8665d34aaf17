package housekeeping

import (
	"context"
	"strconv"
	"time"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

const (
	JobMediaSweep      = "media_sweep"
	JobUnclaimedDigest = "unclaimed_digest"
)

type Sweeper interface {
	Sweep(maxAge time.Duration, keep []string) (int, error)
}

// MediaSweep removes cached copies older than maxAge() that no live draft
// references.
func MediaSweep(c Sweeper, maxAge func() time.Duration, live func() []string, log logx.Logger) Job {
	return func(ctx context.Context) error {
		n, err := c.Sweep(maxAge(), live())
		if n > 0 {
			log.Info("media swept", logx.Int("removed", n))
		}
		return err
	}
}

type DigestStore interface {
	CountUnclaimed(ctx context.Context) (int, error)
	ListAdmins(ctx context.Context) ([]storage.Admin, error)
}

// UnclaimedDigest reminds every admin how many messages nobody has taken.
// Nothing is sent when the count is zero.
func UnclaimedDigest(st DigestStore, bot kit.Adapter, log logx.Logger) Job {
	return func(ctx context.Context) error {
		n, err := st.CountUnclaimed(ctx)
		if err != nil || n == 0 {
			return err
		}
		admins, err := st.ListAdmins(ctx)
		if err != nil {
			return err
		}
		msg := tgui.New().
			Title("📬", "Unclaimed messages").
			KV("Waiting", strconv.Itoa(n)).
			Line("Open /unclaimed to take one.").
			Build()
		for _, a := range admins {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := msg.Send(ctx, bot, kit.ChatTarget{ChatID: a.TGID}); err != nil {
				log.Warn("digest not delivered", logx.Int64("admin_tg_id", a.TGID), logx.Err(err))
			}
		}
		return nil
	}
}
