// Package reply forwards an admin's input to the client of the claim the admin
// is replying to. Claim reply mode survives each send; only Done ends it.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"relaybot/internal/delivery"
	"relaybot/internal/eventbus"
	"relaybot/internal/media"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

const (
	DataDone         = "reply:done"
	DataResumePrefix = "reply:resume"

	clientHeader = "💬 Reply from support:"
)

var (
	// ErrUnresolvedParticipant means the claim's client cannot be found. The
	// reply is reported as a permanent failure and never retried.
	ErrUnresolvedParticipant = errors.New("reply: unresolved participant")
	ErrEmptyReply            = errors.New("reply: nothing to send")
)

// Result describes one forwarded reply.
type Result struct {
	ClaimID    int64
	ClientTGID int64
	MessageID  int64 // outbound ledger row
	Delivery   delivery.Result
}

func (r Result) Sent() bool { return r.Delivery.Sent() }

type Deps struct {
	Store    storage.Store
	Admin    kit.Adapter
	Client   kit.Adapter
	Sessions *session.Store
	Media    *media.Cache
	Deliver  *delivery.Deliverer
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Router struct {
	st       storage.Store
	admin    kit.Adapter
	client   kit.Adapter
	sessions *session.Store
	media    *media.Cache
	deliver  *delivery.Deliverer
	bus      eventbus.Bus
	log      logx.Logger
}

func New(d Deps) *Router {
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
	return &Router{
		st:       d.Store,
		admin:    d.Admin,
		client:   d.Client,
		sessions: d.Sessions,
		media:    d.Media,
		deliver:  d.Deliver,
		bus:      d.Bus,
		log:      log.With(logx.String("comp", "reply")),
	}
}

func (r *Router) tell(ctx context.Context, adm storage.Admin, m tgui.Message) {
	if _, err := m.Send(ctx, r.admin, kit.ChatTarget{ChatID: adm.TGID}); err != nil {
		r.log.Warn("admin notice not delivered", logx.Int64("admin_tg_id", adm.TGID), logx.Err(err))
	}
}

// Handle forwards in to the client of adm's active claim. It requires
// ClaimReply mode and leaves adm in it.
func (r *Router) Handle(ctx context.Context, adm storage.Admin, in kit.Message) (Result, error) {
	key := session.PrivateKey(adm.TGID)
	s, err := r.sessions.Expect(key, session.ClaimReply)
	if err != nil {
		return Result{}, err
	}
	res, err := r.forward(ctx, adm, s.ClaimID, in)
	_ = r.sessions.Advance(key, session.ClaimReply, session.ClaimReply, nil)
	return res, err
}

func (r *Router) forward(ctx context.Context, adm storage.Admin, claimID int64, in kit.Message) (Result, error) {
	res := Result{ClaimID: claimID}
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil {
		r.tell(ctx, adm, tgui.New().Line("Nothing to send. Write a reply or attach one media item.").Build())
		return res, ErrEmptyReply
	}

	c, err := r.st.FindClaim(ctx, claimID)
	if errors.Is(err, storage.ErrNotFound) {
		return res, r.unresolved(ctx, adm, res, "claim #"+strconv.FormatInt(claimID, 10)+" not found")
	}
	if err != nil {
		return res, fmt.Errorf("reply: find claim: %w", err)
	}
	msg, err := r.st.FindMessage(ctx, c.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return res, r.unresolved(ctx, adm, res, "original message is gone")
	}
	if err != nil {
		return res, fmt.Errorf("reply: find message: %w", err)
	}
	if c.ClientID == 0 {
		return res, r.unresolved(ctx, adm, res, "the claim has no client record")
	}
	cl, err := r.st.FindClient(ctx, c.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return res, r.unresolved(ctx, adm, res, "client was removed")
	}
	if err != nil {
		return res, fmt.Errorf("reply: find client: %w", err)
	}
	res.ClientTGID = cl.TGID
	return r.send(ctx, adm, res, cl.TGID, msg.CompanySnapshot, in)
}

// Direct sends a one-off reply to a client outside claim reply mode.
func (r *Router) Direct(ctx context.Context, adm storage.Admin, clientTGID int64, text string) (Result, error) {
	res := Result{ClientTGID: clientTGID}
	if strings.TrimSpace(text) == "" {
		return res, ErrEmptyReply
	}
	cl, err := r.st.FindClientByTGID(ctx, clientTGID)
	if errors.Is(err, storage.ErrNotFound) {
		return res, r.unresolved(ctx, adm, res, "no client with id "+strconv.FormatInt(clientTGID, 10))
	}
	if err != nil {
		return res, fmt.Errorf("reply: find client: %w", err)
	}
	return r.send(ctx, adm, res, cl.TGID, cl.CompanyLabel(), kit.Message{Text: text})
}

func (r *Router) unresolved(ctx context.Context, adm storage.Admin, res Result, why string) error {
	r.log.Warn("reply target unresolved", logx.Int64("claim_id", res.ClaimID), logx.String("why", why))
	res.Delivery = delivery.Result{Outcome: delivery.Outcome{Kind: delivery.Permanent, Err: ErrUnresolvedParticipant}}
	r.bus.Publish(eventbus.Event{Type: eventbus.ReplyFailed, Data: res})
	r.tell(ctx, adm, tgui.New().Line("❌ Reply not sent: "+why+".").Build())
	return fmt.Errorf("%w: %s", ErrUnresolvedParticipant, why)
}

func (r *Router) send(ctx context.Context, adm storage.Admin, res Result, to int64, snapshot string, in kit.Message) (Result, error) {
	text := strings.TrimSpace(in.Text)
	rec := storage.NewMessage{
		Direction:       storage.Outbound,
		ClientTGID:      to,
		AdminTGID:       adm.TGID,
		Text:            text,
		CompanySnapshot: snapshot,
	}

	var att *kit.Attachment
	if in.Attachment != nil {
		cp := *in.Attachment
		cp.LocalPath = ""
		if r.media != nil {
			if p, err := r.media.Fetch(ctx, r.admin, cp); err == nil {
				cp.LocalPath = p
				cp.FileID = ""
				defer r.media.Remove(p)
			} else {
				r.log.Warn("reply media not cached, using file id", logx.Err(err))
			}
		}
		att = &cp
		rec.FileID = in.Attachment.FileID
		rec.FileType = string(cp.Kind)
		rec.FilePath = cp.LocalPath
	}

	id, err := r.st.RecordMessage(ctx, rec)
	if err != nil {
		return res, err
	}
	res.MessageID = id

	body := clientHeader
	if text != "" {
		body += "\n" + text
	}
	res.Delivery = r.deliver.Do(ctx, "client "+strconv.FormatInt(to, 10), func(ctx context.Context) error {
		if att != nil {
			_, err := r.client.SendMedia(ctx, kit.ChatTarget{ChatID: to}, *att, body, nil)
			return err
		}
		_, err := r.client.SendText(ctx, kit.ChatTarget{ChatID: to}, body, nil)
		return err
	})

	if res.Sent() {
		r.bus.Publish(eventbus.Event{Type: eventbus.ReplySent, Data: res})
		r.tell(ctx, adm, tgui.New().Line("✅ Reply sent to the client.").Build())
		return res, nil
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.ReplyFailed, Data: res})
	r.tell(ctx, adm, tgui.New().Line(fmt.Sprintf("❌ Reply not delivered (%s after %d attempt(s)).", res.Delivery.Outcome.Kind, res.Delivery.Attempts)).Build())
	return res, nil
}

// Done closes adm's active claim and ends reply mode.
func (r *Router) Done(ctx context.Context, adm storage.Admin) (storage.Claim, error) {
	key := session.PrivateKey(adm.TGID)
	s, err := r.sessions.Expect(key, session.ClaimReply)
	if err != nil {
		return storage.Claim{}, err
	}
	if err := r.st.SetClaimStatus(ctx, s.ClaimID, storage.ClaimClosed); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Claim{}, fmt.Errorf("reply: close claim: %w", err)
	}
	r.sessions.End(key)
	c, err := r.st.FindClaim(ctx, s.ClaimID)
	if err != nil {
		c = storage.Claim{ID: s.ClaimID}
	}
	if err := r.st.AppendAudit(ctx, storage.AuditEntry{ActorID: adm.TGID, Action: "claim.closed", Target: "claim:" + strconv.FormatInt(s.ClaimID, 10), OK: 1}); err != nil {
		r.log.Warn("audit append failed", logx.Err(err))
	}
	r.log.Info("claim closed", logx.Int64("claim_id", s.ClaimID), logx.String("admin", adm.Name))
	r.tell(ctx, adm, tgui.New().Line(fmt.Sprintf("🏁 Claim #%d closed.", s.ClaimID)).Build())
	return c, nil
}

// ResumeData is the callback data of a claim's resume button.
func ResumeData(claimID int64) string { return tgui.DataID(DataResumePrefix, claimID) }
