// Package claim turns an inbound client message into a ticket owned by exactly
// one admin. The UNIQUE(message_id) constraint of the ledger decides races; the
// lookup done first only saves a write.
package claim

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"relaybot/internal/delivery"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// Won is published with eventbus.ClaimWon.
type Won struct {
	Claim storage.Claim
	Admin storage.Admin
}

type Deps struct {
	Store    storage.Store
	Admin    kit.Adapter // admin bot
	Sessions *session.Store
	Deliver  *delivery.Deliverer
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

type Arbitrator struct {
	st       storage.Store
	ad       kit.Adapter
	sessions *session.Store
	deliver  *delivery.Deliverer
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
}

func New(d Deps) *Arbitrator {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Deliver == nil {
		d.Deliver = delivery.New(delivery.DefaultPolicy(), log)
	}
	return &Arbitrator{
		st:       d.Store,
		ad:       d.Admin,
		sessions: d.Sessions,
		deliver:  d.Deliver,
		bus:      d.Bus,
		metrics:  d.Metrics,
		log:      log.With(logx.String("comp", "claim")),
	}
}

// NotifyAllAdmins sends every admin the message with a claim button. Failures
// for single admins are logged and counted; the error is only about listing
// admins. It returns how many admins were reached.
func (a *Arbitrator) NotifyAllAdmins(ctx context.Context, n Notice) (int, error) {
	admins, err := a.st.ListAdmins(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify admins: %w", err)
	}
	kb := ClaimKeyboard(n.MessageID)
	reached := 0
	for _, adm := range admins {
		to := kit.ChatTarget{ChatID: adm.TGID}
		res := a.deliver.Do(ctx, "admin "+strconv.FormatInt(adm.TGID, 10), func(ctx context.Context) error {
			return a.sendNotice(ctx, to, n, kb)
		})
		if res.Sent() {
			reached++
		}
	}
	a.log.Debug("admins notified",
		logx.Int64("message_id", n.MessageID),
		logx.Int("admins", len(admins)),
		logx.Int("reached", reached),
	)
	return reached, nil
}

func (a *Arbitrator) sendNotice(ctx context.Context, to kit.ChatTarget, n Notice, kb kit.Keyboard) error {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb}
	if n.Attachment != nil && n.Attachment.LocalPath != "" {
		att := kit.Attachment{Kind: n.Attachment.Kind, FileName: n.Attachment.FileName, LocalPath: n.Attachment.LocalPath}
		_, err := a.ad.SendMedia(ctx, to, att, renderNotice(n, captionRunes), opt)
		if err == nil || delivery.Classify(err).Kind != delivery.Permanent {
			return err
		}
		a.log.Warn("media notice rejected, sending text only", logx.Int64("message_id", n.MessageID), logx.Err(err))
	}
	_, err := a.ad.SendText(ctx, to, renderNotice(n, 3500), opt)
	return err
}

// AttemptClaim gives messageID to adm unless someone already owns it. On
// success adm's session enters ClaimReply, the pressed button becomes "Taken",
// every other admin is told who took it and adm gets the reply prompt. pressed
// may be zero when the claim did not come from a button.
func (a *Arbitrator) AttemptClaim(ctx context.Context, messageID int64, adm storage.Admin, pressed kit.MessageRef) (storage.Claim, error) {
	if c, err := a.st.FindClaimByMessage(ctx, messageID); err == nil {
		return storage.Claim{}, a.lost(c, adm)
	} else if !errors.Is(err, storage.ErrNotFound) {
		a.metrics.Claim("error")
		return storage.Claim{}, fmt.Errorf("claim lookup: %w", err)
	}

	msg, err := a.st.FindMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && msg.Direction != storage.Inbound) {
		return storage.Claim{}, fmt.Errorf("%w: #%d", ErrUnknownMessage, messageID)
	}
	if err != nil {
		a.metrics.Claim("error")
		return storage.Claim{}, fmt.Errorf("claim: find message: %w", err)
	}

	var clientID int64
	who := strconv.FormatInt(msg.ClientTGID, 10)
	if cl, err := a.st.FindClientByTGID(ctx, msg.ClientTGID); err == nil {
		clientID = cl.ID
		who = cl.Name
	} else if errors.Is(err, storage.ErrNotFound) {
		a.log.Warn("claiming message without client record", logx.Int64("message_id", messageID), logx.Int64("client_tg_id", msg.ClientTGID))
	} else {
		a.metrics.Claim("error")
		return storage.Claim{}, fmt.Errorf("claim: find client: %w", err)
	}

	c, created, err := a.st.CreateClaimIfAbsent(ctx, storage.NewClaim{
		MessageID: messageID,
		ClientID:  clientID,
		AdminID:   adm.ID,
		Title:     title(who),
	})
	if err != nil {
		a.metrics.Claim("error")
		return storage.Claim{}, err
	}
	if !created {
		return storage.Claim{}, a.lost(c, adm)
	}

	a.metrics.Claim("won")
	a.log.Info("claim won", logx.Int64("claim_id", c.ID), logx.Int64("message_id", messageID), logx.String("admin", adm.Name))
	a.audit(ctx, storage.AuditEntry{ActorID: adm.TGID, Action: "claim.won", Target: "message:" + strconv.FormatInt(messageID, 10), OK: 1})
	a.bus.Publish(eventbus.Event{Type: eventbus.ClaimWon, Data: Won{Claim: c, Admin: adm}})

	if err := a.enter(ctx, c, msg, adm); err != nil {
		return c, err
	}
	if pressed.MessageID != 0 {
		if err := a.ad.EditKeyboard(ctx, pressed, TakenKeyboard()); err != nil {
			a.log.Debug("claim button edit failed", logx.Err(err))
		}
	}
	a.announce(ctx, c, adm)
	return c, nil
}

func (a *Arbitrator) lost(c storage.Claim, adm storage.Admin) error {
	a.metrics.Claim("lost")
	a.log.Debug("claim conflict",
		logx.Int64("message_id", c.MessageID),
		logx.String("owner", c.AdminName),
		logx.String("requester", adm.Name),
	)
	a.bus.Publish(eventbus.Event{Type: eventbus.ClaimLost, Data: c})
	return &AlreadyClaimedError{ClaimID: c.ID, MessageID: c.MessageID, OwnerID: c.AdminID, Owner: c.AdminName}
}

// Resume puts adm back into ClaimReply for a claim it owns.
func (a *Arbitrator) Resume(ctx context.Context, claimID int64, adm storage.Admin) (storage.Claim, error) {
	c, err := a.st.FindClaim(ctx, claimID)
	if err != nil {
		return storage.Claim{}, fmt.Errorf("resume claim #%d: %w", claimID, err)
	}
	if c.AdminID != adm.ID {
		return storage.Claim{}, ErrNotOwner
	}
	if c.Status == storage.ClaimClosed {
		return storage.Claim{}, ErrClosed
	}
	msg, err := a.st.FindMessage(ctx, c.MessageID)
	if err != nil {
		return storage.Claim{}, fmt.Errorf("resume claim #%d: %w", claimID, err)
	}
	return c, a.enter(ctx, c, msg, adm)
}

func (a *Arbitrator) enter(ctx context.Context, c storage.Claim, msg storage.Message, adm storage.Admin) error {
	if _, err := a.sessions.Begin(session.PrivateKey(adm.TGID), session.ClaimReply, session.Init{ClaimID: c.ID}); err != nil {
		return err
	}
	p := renderPrompt(c, msg)
	if _, err := a.ad.SendText(ctx, kit.ChatTarget{ChatID: adm.TGID}, p.Text, p.Opt); err != nil {
		a.log.Warn("reply prompt not delivered", logx.Int64("claim_id", c.ID), logx.Err(err))
	}
	return nil
}

func (a *Arbitrator) announce(ctx context.Context, c storage.Claim, winner storage.Admin) {
	admins, err := a.st.ListAdmins(ctx)
	if err != nil {
		a.log.Warn("claim announce skipped", logx.Err(err))
		return
	}
	text := fmt.Sprintf("📌 Message #%d claimed by %s", c.MessageID, tgui.Esc(winner.Name))
	for _, adm := range admins {
		if adm.ID == winner.ID {
			continue
		}
		if _, err := a.ad.SendText(ctx, kit.ChatTarget{ChatID: adm.TGID}, text, &kit.SendOptions{ParseMode: "HTML"}); err != nil {
			a.log.Debug("claim announce failed", logx.Int64("admin_tg_id", adm.TGID), logx.Err(err))
		}
	}
}

func (a *Arbitrator) audit(ctx context.Context, e storage.AuditEntry) {
	if err := a.st.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
