// Package broadcast runs the compose, confirm and dispatch track of an admin's
// announcement to every registered client.
//
// A draft lives in the admin's session (BroadcastCompose, then
// BroadcastConfirm). Confirm snapshots the client roster and walks it in order:
// an outbound ledger row is written before each send, sends go through the
// shared delivery policy, and recipients are spaced by a fixed delay whatever
// the outcome. A single recipient failing never stops the run, and the run is
// not bound to the deadline of the update that confirmed it: only a ledger
// failure or Shutdown ends it early. Cancel, discard and completion all delete
// the draft's local media copy.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/delivery"
	"relaybot/internal/eventbus"
	"relaybot/internal/media"
	"relaybot/internal/metrics"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

const (
	DataStart   = "bc:start"
	DataConfirm = "bc:confirm"
	DataCancel  = "bc:cancel"
)

// ErrEmptyDraft is returned when compose input carries neither text nor media.
var ErrEmptyDraft = errors.New("broadcast: empty draft")

// ErrAborted wraps the storage error that stopped a run after the initiator
// was told.
var ErrAborted = errors.New("broadcast: aborted")

// ErrInterrupted is returned when Shutdown stopped a run partway.
var ErrInterrupted = errors.New("broadcast: interrupted by shutdown")

// PendingConfirmError is returned for input other than confirm or cancel while
// a draft waits in BroadcastConfirm. It matches session.ErrModeMismatch.
type PendingConfirmError struct {
	Key   session.Key
	Input string
}

func (e *PendingConfirmError) Error() string {
	return fmt.Sprintf("broadcast %s: awaiting confirm or cancel, got %q", e.Key, e.Input)
}

func (e *PendingConfirmError) Is(target error) bool { return target == session.ErrModeMismatch }

// announcePrefix marks broadcast text and captions on the client side.
const announcePrefix = "📣 "

const noticeTimeout = 10 * time.Second

// Report is the outcome of one dispatch run.
type Report struct {
	RunID    string
	Total    int
	Sent     int
	Failed   int
	Duration time.Duration
	// Err wraps ErrAborted for a ledger failure or ErrInterrupted for a
	// shutdown. Nil when every recipient was attempted.
	Err error
}

type Deps struct {
	Store    storage.Store
	Admin    kit.Adapter // talks to the initiator, owns the draft's file id
	Client   kit.Adapter // delivers to clients
	Sessions *session.Store
	Media    *media.Cache
	Deliver  *delivery.Deliverer
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
	// Delay spaces consecutive recipients.
	Delay time.Duration
}

type Engine struct {
	st       storage.Store
	admin    kit.Adapter
	client   kit.Adapter
	sessions *session.Store
	media    *media.Cache
	deliver  *delivery.Deliverer
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger

	mu    sync.RWMutex
	delay time.Duration

	runs *registry

	runMu  sync.Mutex
	halted bool
	nextID int
	active map[int]context.CancelFunc
}

func New(d Deps) *Engine {
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
	return &Engine{
		st:       d.Store,
		admin:    d.Admin,
		client:   d.Client,
		sessions: d.Sessions,
		media:    d.Media,
		deliver:  d.Deliver,
		bus:      d.Bus,
		metrics:  d.Metrics,
		log:      log.With(logx.String("comp", "broadcast")),
		delay:    d.Delay,
		runs:     newRegistry(),
		active:   map[int]context.CancelFunc{},
	}
}

// SetDelay changes the inter-recipient spacing for runs started afterwards.
func (e *Engine) SetDelay(d time.Duration) {
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
}

// Shutdown interrupts runs in flight and every run started afterwards. Each
// interrupted run still reports its partial counts to its initiator.
func (e *Engine) Shutdown() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.halted = true
	for id, cancel := range e.active {
		cancel()
		delete(e.active, id)
	}
}

// runContext keeps the values of parent but drops its deadline and
// cancellation; Shutdown is the only thing that cancels it.
func (e *Engine) runContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.halted {
		cancel()
		return ctx, func() {}
	}
	e.nextID++
	id := e.nextID
	e.active[id] = cancel
	return ctx, func() {
		e.runMu.Lock()
		delete(e.active, id)
		e.runMu.Unlock()
		cancel()
	}
}

func (e *Engine) limiter() *rate.Limiter {
	e.mu.RLock()
	d := e.delay
	e.mu.RUnlock()
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

func cancelKeyboard() kit.Keyboard {
	return tgui.NewInline().Row(tgui.Btn("✖️ Cancel", DataCancel)).Keyboard()
}

func confirmKeyboard() kit.Keyboard {
	return tgui.Confirm(tgui.Btn("✅ Confirm", DataConfirm), tgui.Btn("✖️ Cancel", DataCancel))
}

func (e *Engine) tell(ctx context.Context, adm storage.Admin, m tgui.Message) {
	if _, err := m.Send(ctx, e.admin, kit.ChatTarget{ChatID: adm.TGID}); err != nil {
		e.log.Warn("admin notice not delivered", logx.Int64("admin_tg_id", adm.TGID), logx.Err(err))
	}
}

// Begin enters BroadcastCompose, preempting whatever adm was doing.
func (e *Engine) Begin(ctx context.Context, adm storage.Admin) error {
	prev, err := e.sessions.Begin(session.PrivateKey(adm.TGID), session.BroadcastCompose, session.Init{})
	if err != nil {
		return err
	}
	b := tgui.New().
		Title("📣", "New broadcast").
		Line("Send the announcement: text, or one photo, video, document, voice or audio with an optional caption.")
	if prev == session.ClaimReply {
		b.Line(session.ParkedNotice)
	}
	e.tell(ctx, adm, b.Inline(cancelKeyboard()).Build())
	return nil
}

// Compose takes adm's draft input and moves to BroadcastConfirm. Only the first
// attachment of the input is used. A failed media fetch is retried at confirm.
func (e *Engine) Compose(ctx context.Context, adm storage.Admin, in kit.Message) error {
	key := session.PrivateKey(adm.TGID)
	if _, err := e.sessions.Expect(key, session.BroadcastCompose); err != nil {
		return err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Attachment == nil {
		e.tell(ctx, adm, tgui.New().Line("Nothing to send yet. Send text or one media item.").Inline(cancelKeyboard()).Build())
		return ErrEmptyDraft
	}

	d := &session.Draft{Text: text}
	if in.Attachment != nil {
		att := *in.Attachment
		att.LocalPath = ""
		d.Attachment = &att
		if e.media != nil {
			p, err := e.media.Fetch(ctx, e.admin, att)
			if err != nil {
				e.log.Warn("draft media not cached, using file id", logx.String("kind", string(att.Kind)), logx.Err(err))
			} else {
				d.LocalPath = p
			}
		}
	}

	err := e.sessions.Advance(key, session.BroadcastCompose, session.BroadcastConfirm, func(s *session.Session) {
		s.Draft = d
	})
	if err != nil {
		e.removeCopy(d)
		return err
	}
	e.tell(ctx, adm, confirmPrompt(d))
	return nil
}

func confirmPrompt(d *session.Draft) tgui.Message {
	b := tgui.New().Title("📣", "Broadcast preview")
	if d.Attachment != nil {
		b.KV("Media", string(d.Attachment.Kind))
	}
	if d.Text != "" {
		b.Blank().Line(tgui.TruncRunes(d.Text, 1500))
	}
	return b.Blank().Line("Send this to every registered client?").Inline(confirmKeyboard()).Build()
}

// Input routes free-form input from an admin on the broadcast track. In
// BroadcastConfirm only "confirm" and "cancel" are understood; anything else
// re-prompts and returns a *PendingConfirmError.
func (e *Engine) Input(ctx context.Context, adm storage.Admin, in kit.Message) (Report, error) {
	key := session.PrivateKey(adm.TGID)
	switch e.sessions.Current(key) {
	case session.BroadcastCompose:
		return Report{}, e.Compose(ctx, adm, in)
	case session.BroadcastConfirm:
		switch strings.ToLower(strings.TrimSpace(in.Text)) {
		case "confirm":
			return e.Confirm(ctx, adm)
		case "cancel":
			return Report{}, e.Cancel(ctx, adm)
		}
		s := e.sessions.Get(key)
		if s.Draft != nil {
			e.tell(ctx, adm, tgui.New().Line("Press Confirm or Cancel.").Inline(confirmKeyboard()).Build())
		}
		return Report{}, &PendingConfirmError{Key: key, Input: tgui.TruncRunes(in.Text, 64)}
	default:
		_, err := e.sessions.Expect(key, session.BroadcastCompose)
		return Report{}, err
	}
}

// Cancel drops the draft from either broadcast mode.
func (e *Engine) Cancel(ctx context.Context, adm storage.Admin) error {
	key := session.PrivateKey(adm.TGID)
	if m := e.sessions.Current(key); !m.IsBroadcast() {
		return &session.MismatchError{Key: key, Want: session.BroadcastCompose, Got: m}
	}
	prev := e.sessions.End(key)
	e.removeCopy(prev.Draft)
	e.log.Info("broadcast cancelled", logx.Int64("admin_tg_id", adm.TGID), logx.String("from", prev.Mode.String()))
	e.tell(ctx, adm, tgui.New().Line("Broadcast cancelled.").Build())
	return nil
}

// Discard is the session OnDiscard hook: a draft preempted by another mode
// loses its media copy and the admin is told.
func (e *Engine) Discard(prev session.Session) {
	e.removeCopy(prev.Draft)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.tell(ctx, storage.Admin{TGID: prev.Key.ActorID}, tgui.New().Line("Broadcast draft discarded.").Build())
}

func (e *Engine) removeCopy(d *session.Draft) {
	if d == nil || d.LocalPath == "" || e.media == nil {
		return
	}
	if err := e.media.Remove(d.LocalPath); err != nil {
		e.log.Warn("draft media not removed", logx.String("path", d.LocalPath), logx.Err(err))
	}
}

// Confirm dispatches the confirmed draft and returns adm to Idle. The admin
// always gets one final notice with the counts.
func (e *Engine) Confirm(ctx context.Context, adm storage.Admin) (Report, error) {
	key := session.PrivateKey(adm.TGID)
	s, err := e.sessions.Expect(key, session.BroadcastConfirm)
	if err != nil {
		return Report{}, err
	}
	if s.Draft == nil {
		e.sessions.End(key)
		return Report{}, ErrEmptyDraft
	}
	d := *s.Draft
	defer func() {
		e.removeCopy(&d)
		e.sessions.EndIf(key, session.BroadcastConfirm)
	}()

	e.tell(ctx, adm, tgui.New().Line("Sending…").Build())
	run, done := e.runContext(ctx)
	defer done()
	e.recache(run, &d)
	rep := e.dispatch(run, adm, &d)

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
	defer cancel()
	e.tell(nctx, adm, finalNotice(rep))
	return rep, rep.Err
}

func finalNotice(rep Report) tgui.Message {
	counts := fmt.Sprintf("sent=%d, failed=%d of %d", rep.Sent, rep.Failed, rep.Total)
	switch {
	case errors.Is(rep.Err, ErrInterrupted):
		return tgui.New().Title("⏹", "Broadcast interrupted").
			Line(counts+" before the bot shut down.").
			Line(fmt.Sprintf("%d clients were not reached.", rep.Total-rep.Sent-rep.Failed)).
			Build()
	case rep.Err != nil:
		return tgui.New().Title("⚠️", "Broadcast aborted").
			Line(counts + " before a storage error. Check the logs.").
			Build()
	}
	return tgui.New().Title("📣", "Broadcast finished").
		Line(fmt.Sprintf("sent=%d, failed=%d (total %d)", rep.Sent, rep.Failed, rep.Total)).
		Build()
}

// recache retries a media fetch that failed at compose time. If it fails
// again a captioned draft goes out as text alone.
func (e *Engine) recache(ctx context.Context, d *session.Draft) {
	if d.Attachment == nil || d.LocalPath != "" || e.media == nil {
		return
	}
	p, err := e.media.Fetch(ctx, e.admin, *d.Attachment)
	if err == nil {
		d.LocalPath = p
		return
	}
	if d.Text == "" {
		e.log.Warn("draft media unavailable, sending file id", logx.String("kind", string(d.Attachment.Kind)), logx.Err(err))
		return
	}
	e.log.Warn("draft media unavailable, sending text only", logx.String("kind", string(d.Attachment.Kind)), logx.Err(err))
	d.Attachment = nil
}

// stopped tells a shutdown apart from a storage failure.
func stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

func (e *Engine) dispatch(ctx context.Context, adm storage.Admin, d *session.Draft) Report {
	start := time.Now()
	clients, err := e.st.ListClients(ctx)
	if err != nil {
		return Report{Err: stopped(ctx, fmt.Errorf("broadcast: roster: %w", err))}
	}

	rep := Report{Total: len(clients)}
	rep.RunID = e.runs.start(adm.TGID, len(clients))
	lim := e.limiter()
	e.log.Info("broadcast started", logx.String("run", rep.RunID), logx.Int("total", rep.Total), logx.Bool("media", d.Attachment != nil))

	msg := storage.NewMessage{Direction: storage.Outbound, AdminTGID: adm.TGID, Text: d.Text}
	if d.Attachment != nil {
		msg.FileID = d.Attachment.FileID
		msg.FileType = string(d.Attachment.Kind)
	}

	for _, cl := range clients {
		if err := ctx.Err(); err != nil {
			rep.Err = stopped(ctx, err)
			break
		}
		if err := lim.Wait(ctx); err != nil {
			rep.Err = stopped(ctx, err)
			break
		}
		msg.ClientTGID = cl.TGID
		msg.CompanySnapshot = cl.CompanyLabel()
		if _, err := e.st.RecordMessage(ctx, msg); err != nil {
			rep.Err = stopped(ctx, err)
			break
		}
		to := kit.ChatTarget{ChatID: cl.TGID}
		res := e.deliver.Do(ctx, "client "+strconv.FormatInt(cl.TGID, 10), func(ctx context.Context) error {
			return e.sendDraft(ctx, to, d)
		})
		e.runs.record(rep.RunID, cl.TGID, res.Sent())
		if res.Sent() {
			rep.Sent++
			e.metrics.Recipient("sent")
		} else {
			rep.Failed++
			e.metrics.Recipient("failed")
		}
	}

	rep.Duration = time.Since(start)
	e.runs.finish(rep.RunID, rep.Err)
	e.metrics.BroadcastDone(rep.Duration)

	fields := []logx.Field{
		logx.String("run", rep.RunID),
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("dur", rep.Duration),
	}
	switch {
	case errors.Is(rep.Err, ErrInterrupted):
		e.log.Warn("broadcast interrupted", append(fields, logx.Err(rep.Err))...)
	case rep.Err != nil:
		e.log.Error("broadcast aborted", append(fields, logx.Err(rep.Err))...)
	case rep.Failed > 0:
		e.log.Warn("broadcast finished with failures", fields...)
	default:
		e.log.Info("broadcast finished", fields...)
	}

	audit := storage.AuditEntry{ActorID: adm.TGID, Action: "broadcast.finished", Target: rep.RunID, OK: rep.Sent, Fail: rep.Failed}
	if rep.Err != nil {
		audit.Error = rep.Err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
	defer cancel()
	if err := e.st.AppendAudit(actx, audit); err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: rep})
	return rep
}

func (e *Engine) sendDraft(ctx context.Context, to kit.ChatTarget, d *session.Draft) error {
	text := d.Text
	if text != "" {
		text = announcePrefix + text
	}
	if d.Attachment == nil {
		_, err := e.client.SendText(ctx, to, text, nil)
		return err
	}
	att := *d.Attachment
	if d.LocalPath != "" {
		att.LocalPath = d.LocalPath
		att.FileID = ""
	}
	_, err := e.client.SendMedia(ctx, to, att, text, nil)
	return err
}

// Status returns one run.
func (e *Engine) Status(id string) (RunStatus, bool) { return e.runs.get(id) }

// Recent lists up to n runs, newest first.
func (e *Engine) Recent(n int) []RunStatus { return e.runs.recent(n) }

// LivePaths lists media copies still owned by drafts, for the sweeper.
func (e *Engine) LivePaths() []string { return e.sessions.Drafts() }
