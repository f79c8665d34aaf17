package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"relaybot/internal/broadcast"
	"relaybot/internal/claim"
	"relaybot/internal/directory"
	"relaybot/internal/reply"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

const (
	unclaimedLimit = 100
	historyLimit   = 50
	historyPerPage = 4

	failureText = "⚠️ Something went wrong, try again later."
	deniedText  = "access denied"
)

// errTold marks an error the admin has already been told about.
var errTold = errors.New("bot: reported")

type AdminDeps struct {
	Store     storage.Store
	Bot       kit.Adapter
	Sessions  *session.Store
	Claims    *claim.Arbitrator
	Replies   *reply.Router
	Broadcast *broadcast.Engine
	Directory *directory.Service
	Log       logx.Logger
}

// AdminHandler serves the admin bot.
type AdminHandler struct {
	st       storage.Store
	bot      kit.Adapter
	sessions *session.Store
	claims   *claim.Arbitrator
	replies  *reply.Router
	bc       *broadcast.Engine
	dir      *directory.Service
	log      logx.Logger
}

func NewAdmin(d AdminDeps) *AdminHandler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AdminHandler{
		st:       d.Store,
		bot:      d.Bot,
		sessions: d.Sessions,
		claims:   d.Claims,
		replies:  d.Replies,
		bc:       d.Broadcast,
		dir:      d.Directory,
		log:      log.With(logx.String("comp", "bot.admin")),
	}
}

// call carries what a single handler needs about the update.
type call struct {
	adm  storage.Admin
	msg  *kit.Message
	cb   *kit.Callback
	note string // callback answer
}

func (c *call) chat() kit.ChatTarget { return kit.ChatTarget{ChatID: c.adm.TGID} }

func (h *AdminHandler) send(ctx context.Context, to kit.ChatTarget, m tgui.Message) {
	if _, err := m.Send(ctx, h.bot, to); err != nil {
		h.log.Warn("admin message not delivered", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (h *AdminHandler) say(ctx context.Context, c *call, text string) {
	h.send(ctx, c.chat(), tgui.New().Line(text).Build())
}

// Handle is the admin bot's HandlerFunc.
func (h *AdminHandler) Handle(ctx context.Context, req *Request) error {
	up := req.Update
	c := &call{msg: up.Message, cb: up.Callback}
	var from int64
	switch {
	case c.msg != nil:
		if c.msg.IsGroup {
			return nil
		}
		from = c.msg.FromID
	case c.cb != nil:
		from = c.cb.FromID
	default:
		return nil
	}
	if c.cb != nil {
		defer func() {
			if err := h.bot.AnswerCallback(ctx, c.cb.ID, c.note); err != nil {
				req.Log.Debug("callback answer failed", logx.Err(err))
			}
		}()
	}

	adm, err := h.st.FindAdminByTGID(ctx, from)
	if errors.Is(err, storage.ErrNotFound) {
		req.Route = "denied"
		c.note = deniedText
		if c.msg != nil {
			h.send(ctx, kit.ChatTarget{ChatID: c.msg.ChatID}, tgui.New().Line(deniedText).Build())
		}
		return nil
	}
	if err != nil {
		h.send(ctx, kit.ChatTarget{ChatID: from}, tgui.New().Line(failureText).Build())
		return fmt.Errorf("admin lookup: %w", err)
	}
	c.adm = adm

	act, err := ParseAdmin(up)
	if err != nil {
		var ue *UsageError
		switch {
		case errors.As(err, &ue):
			req.Route = ue.Command
			h.send(ctx, c.chat(), tgui.New().RawLine(tgui.JoinH(" ", tgui.Esc("Usage:"), tgui.Code(ue.Usage))).Build())
			return nil
		case errors.Is(err, ErrUnknownCallback):
			req.Route = "callback"
			c.note = "Unknown action"
			return nil
		}
		return err
	}
	req.Route = fmt.Sprintf("%T", act)

	err = h.dispatch(ctx, c, act)
	switch {
	case err == nil, errors.Is(err, errTold):
		return nil
	case errors.Is(err, session.ErrModeMismatch):
		req.Log.Debug("input ignored", logx.Err(err))
		return nil
	}
	h.say(ctx, c, failureText)
	return err
}

func (h *AdminHandler) dispatch(ctx context.Context, c *call, act Action) error {
	switch a := act.(type) {
	case ShowMenu:
		h.send(ctx, c.chat(), mainMenu(c.adm))
		return nil
	case ShowHelp:
		h.send(ctx, c.chat(), helpMessage())
		return nil
	case CancelMode:
		return h.cancel(ctx, c)
	case ListClaims:
		return h.listClaims(ctx, c)
	case ListUnclaimed:
		return h.listUnclaimed(ctx, c)
	case BroadcastStatus:
		h.send(ctx, c.chat(), statusMessage(h.bc.Recent(10)))
		return nil
	case OpenSection:
		m, err := h.dir.List(ctx, a.Section)
		if err != nil {
			return err
		}
		h.send(ctx, c.chat(), m)
		return nil
	case OpenForm:
		return h.openForm(ctx, c, a)
	case DirectReply:
		_, err := h.replies.Direct(ctx, c.adm, a.ClientTGID, a.Text)
		return told(err, reply.ErrUnresolvedParticipant, reply.ErrEmptyReply)
	case TakeClaim:
		return h.take(ctx, c, a.MessageID)
	case ResumeClaim:
		return h.resume(ctx, c, a.ClaimID)
	case FinishReply:
		if _, err := h.replies.Done(ctx, c.adm); errors.Is(err, session.ErrModeMismatch) {
			c.note = "No active reply"
			return nil
		} else if err != nil {
			return err
		}
		c.note = "Closed"
		return nil
	case History:
		return h.history(ctx, c, a)
	case BroadcastBegin:
		return h.bc.Begin(ctx, c.adm)
	case BroadcastConfirm:
		_, err := h.bc.Confirm(ctx, c.adm)
		if errors.Is(err, session.ErrModeMismatch) {
			c.note = "Nothing to confirm"
			return nil
		}
		return told(err, broadcast.ErrEmptyDraft, broadcast.ErrAborted, broadcast.ErrInterrupted)
	case BroadcastCancel:
		if err := h.bc.Cancel(ctx, c.adm); errors.Is(err, session.ErrModeMismatch) {
			c.note = "Nothing to cancel"
			return nil
		} else if err != nil {
			return err
		}
		return nil
	case Noop:
		return nil
	case FreeInput:
		return h.input(ctx, c)
	}
	return fmt.Errorf("bot: unhandled action %T", act)
}

// told turns errors the callee already reported into errTold.
func told(err error, reported ...error) error {
	for _, r := range reported {
		if errors.Is(err, r) {
			return fmt.Errorf("%w: %w", errTold, err)
		}
	}
	return err
}

func (h *AdminHandler) cancel(ctx context.Context, c *call) error {
	key := session.PrivateKey(c.adm.TGID)
	s := h.sessions.Get(key)
	switch {
	case s.Mode == session.Idle:
		h.say(ctx, c, "Nothing to cancel.")
		return nil
	case s.Mode.IsBroadcast():
		return h.bc.Cancel(ctx, c.adm)
	}
	h.sessions.End(key)
	if s.Mode == session.ClaimReply {
		h.say(ctx, c, fmt.Sprintf("Reply mode left. Claim #%d stays yours; use /claims to resume.", s.ClaimID))
		return nil
	}
	h.say(ctx, c, "Cancelled.")
	return nil
}

func (h *AdminHandler) input(ctx context.Context, c *call) error {
	if c.msg == nil {
		return nil
	}
	key := session.PrivateKey(c.adm.TGID)
	s := h.sessions.Get(key)
	switch s.Mode {
	case session.Idle:
		h.say(ctx, c, "Use /start to open the menu.")
		return nil
	case session.CrudInput:
		return h.submitForm(ctx, c, directory.Action(s.CrudAction))
	case session.ClaimReply:
		_, err := h.replies.Handle(ctx, c.adm, *c.msg)
		return told(err, reply.ErrUnresolvedParticipant, reply.ErrEmptyReply)
	case session.BroadcastCompose, session.BroadcastConfirm:
		_, err := h.bc.Input(ctx, c.adm, *c.msg)
		return told(err, broadcast.ErrEmptyDraft, broadcast.ErrAborted, broadcast.ErrInterrupted)
	}
	return fmt.Errorf("bot: unhandled mode %s", s.Mode)
}

func (h *AdminHandler) openForm(ctx context.Context, c *call, a OpenForm) error {
	if a.Args != "" {
		op, err := directory.Parse(a.Form, a.Args, nil)
		if err != nil {
			return h.formError(ctx, c, err)
		}
		return h.applyForm(ctx, c, op)
	}
	prev, err := h.sessions.Begin(session.PrivateKey(c.adm.TGID), session.CrudInput, session.Init{CrudAction: string(a.Form)})
	if err != nil {
		return err
	}
	if prev == session.ClaimReply {
		h.send(ctx, c.chat(), tgui.Message{Text: session.ParkedNotice})
	}
	h.send(ctx, c.chat(), directory.Prompt(a.Form))
	return nil
}

// submitForm consumes the single CrudInput message and returns to Idle
// whatever the outcome.
func (h *AdminHandler) submitForm(ctx context.Context, c *call, form directory.Action) error {
	if err := h.sessions.Advance(session.PrivateKey(c.adm.TGID), session.CrudInput, session.Idle, nil); err != nil {
		return err
	}
	op, err := directory.Parse(form, c.msg.Text, c.msg.Contact)
	if err != nil {
		return h.formError(ctx, c, err)
	}
	return h.applyForm(ctx, c, op)
}

func (h *AdminHandler) applyForm(ctx context.Context, c *call, op directory.Op) error {
	out, err := h.dir.Apply(ctx, c.adm.TGID, op)
	if err != nil {
		return h.formError(ctx, c, err)
	}
	h.say(ctx, c, "✅ "+out)
	return nil
}

func (h *AdminHandler) formError(ctx context.Context, c *call, err error) error {
	text, ours := directory.Describe(err)
	if !ours {
		return err
	}
	h.say(ctx, c, text)
	return nil
}

func (h *AdminHandler) pressed(c *call) kit.MessageRef {
	if c.cb == nil {
		return kit.MessageRef{}
	}
	return kit.MessageRef{ChatID: c.cb.ChatID, ThreadID: c.cb.ThreadID, MessageID: c.cb.MessageID}
}

func (h *AdminHandler) take(ctx context.Context, c *call, messageID int64) error {
	_, err := h.claims.AttemptClaim(ctx, messageID, c.adm, h.pressed(c))
	var taken *claim.AlreadyClaimedError
	switch {
	case err == nil:
		c.note = "Claimed"
		return nil
	case errors.As(err, &taken):
		if taken.OwnedBy(c.adm.ID) {
			return h.resume(ctx, c, taken.ClaimID)
		}
		c.note = "Already taken by " + taken.Owner
		h.say(ctx, c, fmt.Sprintf("Message #%d is already taken by %s.", taken.MessageID, taken.Owner))
		return nil
	case errors.Is(err, claim.ErrUnknownMessage):
		c.note = "Message not found"
		return nil
	}
	return err
}

func (h *AdminHandler) resume(ctx context.Context, c *call, claimID int64) error {
	_, err := h.claims.Resume(ctx, claimID, c.adm)
	switch {
	case err == nil:
		c.note = "Resumed"
		return nil
	case errors.Is(err, claim.ErrNotOwner):
		c.note = "This claim belongs to another admin"
		return nil
	case errors.Is(err, claim.ErrClosed):
		c.note = "This claim is closed"
		return nil
	case errors.Is(err, storage.ErrNotFound):
		c.note = "Claim not found"
		return nil
	}
	return err
}

func (h *AdminHandler) listClaims(ctx context.Context, c *call) error {
	claims, err := h.st.ListClaimsByAdmin(ctx, c.adm.ID, storage.ClaimInProgress)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		h.say(ctx, c, "You have no open claims.")
		return nil
	}
	b := tgui.New().Title("📌", fmt.Sprintf("Your claims (%d)", len(claims)))
	kb := tgui.NewInline()
	for _, cl := range claims {
		b.RawLine(tgui.JoinH(" ", tgui.B("#"+strconv.FormatInt(cl.ID, 10)), tgui.Esc(cl.Title)))
		kb.Row(tgui.Btn(fmt.Sprintf("▶️ Resume #%d", cl.ID), reply.ResumeData(cl.ID)))
	}
	h.send(ctx, c.chat(), b.Inline(kb.Keyboard()).Build())
	return nil
}

func (h *AdminHandler) listUnclaimed(ctx context.Context, c *call) error {
	msgs, err := h.st.ListUnclaimed(ctx, unclaimedLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		h.say(ctx, c, "No unclaimed messages 🎉")
		return nil
	}
	h.say(ctx, c, fmt.Sprintf("Unclaimed messages: %d", len(msgs)))
	for _, m := range msgs {
		h.send(ctx, c.chat(), unclaimedItem(m))
	}
	return nil
}

func (h *AdminHandler) history(ctx context.Context, c *call, a History) error {
	if a.CompanyID == 0 {
		companies, err := h.st.ListCompanies(ctx)
		if err != nil {
			return err
		}
		if len(companies) == 0 {
			h.say(ctx, c, "No companies yet.")
			return nil
		}
		h.send(ctx, c.chat(), companyPicker(companies))
		return nil
	}
	co, err := h.st.FindCompany(ctx, a.CompanyID)
	if errors.Is(err, storage.ErrNotFound) {
		c.note = "Company not found"
		return nil
	}
	if err != nil {
		return err
	}
	msgs, err := h.st.CompanyHistory(ctx, a.CompanyID, historyLimit)
	if err != nil {
		return err
	}
	h.send(ctx, c.chat(), historyPage(co, tgui.Paginate(msgs, a.Page, historyPerPage)))
	return nil
}

func mainMenu(adm storage.Admin) tgui.Message {
	btn := func(label, section string) kit.Button { return tgui.Btn(label, tgui.Data(menuPrefix, section)) }
	kb := tgui.NewInline().
		Row(btn("👮 Admins", string(directory.Admins)), btn("🏢 Companies", string(directory.Companies))).
		Row(btn("👥 Clients", string(directory.Clients)), btn("📥 Unclaimed", sectionUnclaimed)).
		Row(btn("🗂 History", sectionHistory), btn("📣 Broadcast", sectionBroadcast)).
		Row(btn("📌 My claims", sectionClaims)).
		Keyboard()
	return tgui.New().
		Title("🛠", "Support desk").
		Line("Hello, " + strings.TrimSpace(adm.Name) + ".").
		Inline(kb).
		Build()
}

var helpLines = [][2]string{
	{"/start", "main menu"},
	{"/claims", "your open claims"},
	{"/unclaimed", "messages nobody took yet"},
	{"/reply <client_tg_id> <text>", "one-off reply to a client"},
	{"/broadcast", "send an announcement to every client"},
	{"/broadcast_status", "recent broadcast runs"},
	{"/history", "company message history"},
	{"/admins, /companies, /clients", "directory lists"},
	{"/add_client tg_id|name|company_id", "forms also work inline"},
	{"/cancel", "leave the current mode"},
}

func helpMessage() tgui.Message {
	b := tgui.New().Title("❔", "Commands")
	for _, l := range helpLines {
		b.RawLine(tgui.JoinH(" ", tgui.Code(l[0]), tgui.Esc("- "+l[1])))
	}
	return b.Build()
}

func unclaimedItem(m storage.Message) tgui.Message {
	b := tgui.New().
		Title("📨", fmt.Sprintf("Message #%d", m.ID)).
		KV("Client", strconv.FormatInt(m.ClientTGID, 10)).
		KV("Company", m.CompanySnapshot).
		KV("At", m.CreatedAt.Format("2006-01-02 15:04"))
	if m.FileType != "" {
		b.KV("Attachment", m.FileType)
	}
	if t := strings.TrimSpace(m.Text); t != "" {
		b.Line(tgui.TruncRunes(t, 500))
	}
	return b.Inline(claim.ClaimKeyboard(m.ID)).Build()
}

func companyPicker(companies []storage.Company) tgui.Message {
	btns := make([]kit.Button, 0, len(companies))
	for _, co := range companies {
		btns = append(btns, tgui.Btn(tgui.TruncRunes(co.Name, 30), historyData(co.ID, 0)))
	}
	return tgui.New().Title("🗂", "Choose a company").Inline(tgui.NewInline().Grid(2, btns...).Keyboard()).Build()
}

func historyData(companyID int64, page int) string {
	return tgui.Data(historyPrefix, strconv.FormatInt(companyID, 10), strconv.Itoa(page))
}

func historyPage(co storage.Company, p tgui.Page[storage.Message]) tgui.Message {
	b := tgui.New().Title("🗂", co.Name+" · "+p.Label())
	if p.Total == 0 {
		b.Line("No messages yet.")
	}
	for _, m := range p.Items {
		dir := "⬅️ client"
		if m.Direction == storage.Outbound {
			dir = "➡️ support"
		}
		b.Blank().RawLine(tgui.JoinH(" ", tgui.B(dir), tgui.I(m.CreatedAt.Format("2006-01-02 15:04"))))
		if m.FileType != "" {
			b.KV("Attachment", m.FileType)
		}
		if t := strings.TrimSpace(m.Text); t != "" {
			b.Line(tgui.TruncRunes(t, 400))
		}
	}
	var nav []kit.Button
	if p.HasPrev {
		nav = append(nav, tgui.Btn("◀️", historyData(co.ID, p.Index-1)))
	}
	if p.HasNext {
		nav = append(nav, tgui.Btn("▶️", historyData(co.ID, p.Index+1)))
	}
	return b.Inline(tgui.NewInline().Row(nav...).Keyboard()).Build()
}

func statusMessage(runs []broadcast.RunStatus) tgui.Message {
	b := tgui.New().Title("📣", "Recent broadcasts")
	if len(runs) == 0 {
		return b.Line("No broadcasts yet.").Build()
	}
	for _, r := range runs {
		state := "done"
		if r.Running {
			state = "running"
		} else if r.Err != "" {
			state = "aborted"
		}
		b.RawLine(tgui.JoinH(" ",
			tgui.Code(r.ID),
			tgui.Esc(fmt.Sprintf("total=%d sent=%d failed=%d %s", r.Total, r.Sent, r.Failed, state)),
		))
	}
	return b.Build()
}
