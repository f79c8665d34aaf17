package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/media"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	"relaybot/internal/storage/storagetest"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/transporttest"
	"relaybot/pkg/logx"
)

type fixture struct {
	st       storage.Store
	admin    *transporttest.Adapter
	client   *transporttest.Adapter
	sessions *session.Store
	cache    *media.Cache
	del      *delivery.Deliverer
	slept    []time.Duration
	eng      *Engine
	adm      storage.Admin
	company  storage.Company
}

func newFixture(t *testing.T, clients ...int64) *fixture {
	t.Helper()
	f := &fixture{
		st:       storagetest.Open(t),
		admin:    transporttest.New(),
		client:   transporttest.New(),
		sessions: session.NewStore(logx.Nop()),
	}
	cache, err := media.New(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatalf("media.New: %v", err)
	}
	f.cache = cache
	f.del = delivery.New(delivery.DefaultPolicy(), logx.Nop(), delivery.WithSleep(func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}))
	f.useStore(f.st)
	f.adm = storagetest.AddAdmin(t, f.st, 1, "A")
	f.company = storagetest.AddCompany(t, f.st, "Acme")
	for _, id := range clients {
		storagetest.AddClient(t, f.st, id, "client", f.company.ID)
	}
	return f
}

// useStore rebuilds the engine on st, which may wrap f.st.
func (f *fixture) useStore(st storage.Store) {
	f.eng = New(Deps{
		Store:    st,
		Admin:    f.admin,
		Client:   f.client,
		Sessions: f.sessions,
		Media:    f.cache,
		Deliver:  f.del,
	})
	f.sessions.OnDiscard(f.eng.Discard)
}

func (f *fixture) compose(t *testing.T, in kit.Message) {
	t.Helper()
	ctx := context.Background()
	if err := f.eng.Begin(ctx, f.adm); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.eng.Compose(ctx, f.adm, in); err != nil {
		t.Fatalf("Compose: %v", err)
	}
}

func (f *fixture) outbound(t *testing.T) []storage.Message {
	t.Helper()
	hist, err := f.st.CompanyHistory(context.Background(), f.company.ID, 50)
	if err != nil {
		t.Fatalf("CompanyHistory: %v", err)
	}
	var out []storage.Message
	for _, m := range hist {
		if m.Direction == storage.Outbound && m.AdminTGID == f.adm.TGID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fixture) key() session.Key { return session.PrivateKey(f.adm.TGID) }

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	files, err := f.cache.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	return files
}

func (f *fixture) lastAdminText() string {
	sent := f.admin.SentTo(f.adm.TGID)
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1].Text
}

func photoInput(caption string) kit.Message {
	return kit.Message{Text: caption, Attachment: &kit.Attachment{Kind: kit.MediaPhoto, FileID: "admin-photo"}}
}

func TestDispatchWithOneNetworkFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 201, 202, 203)
	ctx := context.Background()
	f.client.Script(202, kit.ErrNetwork)

	if err := f.eng.Begin(ctx, f.adm); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.eng.Compose(ctx, f.adm, photoInput("Sale today")); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if f.sessions.Current(f.key()) != session.BroadcastConfirm {
		t.Fatalf("mode = %s, want broadcast_confirm", f.sessions.Current(f.key()))
	}
	if len(f.files(t)) != 1 {
		t.Fatalf("draft media not cached")
	}

	rep, err := f.eng.Confirm(ctx, f.adm)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if rep.Total != 3 || rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v, want sent=2 failed=1", rep)
	}
	if f.client.Attempts(202) != 1 {
		t.Fatalf("client 2 attempts = %d, network errors are not retried", f.client.Attempts(202))
	}
	for _, id := range []int64{201, 203} {
		got := f.client.SentTo(id)
		if len(got) != 1 || got[0].Attachment == nil || got[0].Attachment.LocalPath == "" || got[0].Text != "📣 Sale today" {
			t.Fatalf("client %d got %+v", id, got)
		}
	}

	out := f.outbound(t)
	if len(out) != 3 {
		t.Fatalf("outbound ledger rows = %d, want 3", len(out))
	}
	for _, m := range out {
		if m.FileType != "photo" || m.FileID != "admin-photo" || m.FilePath != "" || m.Text != "Sale today" {
			t.Fatalf("ledger row = %+v, want file id without a local path", m)
		}
	}

	if !strings.Contains(f.lastAdminText(), "sent=2, failed=1") {
		t.Fatalf("final notice = %q", f.lastAdminText())
	}
	if len(f.files(t)) != 0 {
		t.Fatalf("media copy survived completion: %v", f.files(t))
	}
	if f.sessions.Current(f.key()) != session.Idle {
		t.Fatalf("mode = %s after dispatch", f.sessions.Current(f.key()))
	}

	runs := f.eng.Recent(5)
	if len(runs) != 1 || runs[0].ID != rep.RunID || runs[0].Running || runs[0].Failed != 1 {
		t.Fatalf("runs = %+v", runs)
	}
	st, ok := f.eng.Status(rep.RunID)
	if !ok || len(st.Failures) != 1 || st.Failures[0] != 202 {
		t.Fatalf("status = %+v", st)
	}
}

func TestDispatchRetriesRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 201)
	ctx := context.Background()
	f.client.Script(201, &kit.RateLimitError{RetryAfter: 5 * time.Second})

	_ = f.eng.Begin(ctx, f.adm)
	if err := f.eng.Compose(ctx, f.adm, kit.Message{Text: "hello all"}); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	rep, err := f.eng.Confirm(ctx, f.adm)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if rep.Sent != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want sent=1", rep)
	}
	if len(f.slept) != 1 || f.slept[0] != 5*time.Second {
		t.Fatalf("slept = %v, want [5s]", f.slept)
	}
}

func TestCancelLeavesNoMedia(t *testing.T) {
	t.Parallel()

	t.Run("compose", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		_ = f.eng.Begin(ctx, f.adm)
		if err := f.eng.Cancel(ctx, f.adm); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if f.sessions.Current(f.key()) != session.Idle || len(f.files(t)) != 0 {
			t.Fatalf("mode %s files %v", f.sessions.Current(f.key()), f.files(t))
		}
	})

	t.Run("confirm", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 201)
		ctx := context.Background()
		_ = f.eng.Begin(ctx, f.adm)
		if err := f.eng.Compose(ctx, f.adm, photoInput("")); err != nil {
			t.Fatalf("Compose: %v", err)
		}
		if len(f.files(t)) != 1 {
			t.Fatalf("media not cached")
		}
		if _, err := f.eng.Input(ctx, f.adm, kit.Message{Text: "cancel"}); err != nil {
			t.Fatalf("Input(cancel): %v", err)
		}
		if f.sessions.Current(f.key()) != session.Idle || len(f.files(t)) != 0 {
			t.Fatalf("mode %s files %v", f.sessions.Current(f.key()), f.files(t))
		}
		if len(f.client.Sent()) != 0 {
			t.Fatalf("cancelled broadcast was sent")
		}
	})
}

func TestConfirmModeRejectsOtherInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 201)
	ctx := context.Background()
	_ = f.eng.Begin(ctx, f.adm)
	_ = f.eng.Compose(ctx, f.adm, kit.Message{Text: "v1"})
	before := f.sessions.Get(f.key())

	_, err := f.eng.Input(ctx, f.adm, kit.Message{Text: "v2 please"})
	if !errors.Is(err, session.ErrModeMismatch) {
		t.Fatalf("Input = %v, want mode mismatch", err)
	}
	var pending *PendingConfirmError
	if !errors.As(err, &pending) || pending.Input != "v2 please" || pending.Key != f.key() {
		t.Fatalf("Input = %#v, want *PendingConfirmError for the rejected text", err)
	}
	after := f.sessions.Get(f.key())
	if after.Mode != session.BroadcastConfirm || after.Draft != before.Draft || after.Draft.Text != "v1" {
		t.Fatalf("session changed: %+v", after)
	}
	if !strings.Contains(f.lastAdminText(), "Confirm or Cancel") {
		t.Fatalf("no re-prompt, last = %q", f.lastAdminText())
	}
	if len(f.client.Sent()) != 0 {
		t.Fatalf("sent while waiting for confirmation")
	}
}

func TestComposeEmptyInputReprompts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_ = f.eng.Begin(ctx, f.adm)

	if err := f.eng.Compose(ctx, f.adm, kit.Message{Text: "  "}); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("Compose = %v, want ErrEmptyDraft", err)
	}
	if f.sessions.Current(f.key()) != session.BroadcastCompose {
		t.Fatalf("mode = %s", f.sessions.Current(f.key()))
	}
}

func TestConfirmRetriesMediaFetch(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 201)
		f.admin.DownloadErr = errors.New("file is temporarily unavailable")
		f.compose(t, photoInput("pic"))
		if len(f.files(t)) != 0 {
			t.Fatalf("files = %v before confirm", f.files(t))
		}
		f.admin.DownloadErr = nil

		if _, err := f.eng.Confirm(context.Background(), f.adm); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		got := f.client.SentTo(201)
		if len(got) != 1 || got[0].Attachment == nil || got[0].Attachment.LocalPath == "" {
			t.Fatalf("client got %+v, want the local copy", got)
		}
		if len(f.files(t)) != 0 {
			t.Fatalf("copy survived the run: %v", f.files(t))
		}
	})

	t.Run("text only", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 201)
		f.admin.DownloadErr = errors.New("file is too big")
		f.compose(t, photoInput("pic"))

		rep, err := f.eng.Confirm(context.Background(), f.adm)
		if err != nil || rep.Sent != 1 {
			t.Fatalf("Confirm = %+v, %v", rep, err)
		}
		got := f.client.SentTo(201)
		if len(got) != 1 || got[0].Attachment != nil || got[0].Text != "📣 pic" {
			t.Fatalf("client got %+v, want caption as text", got)
		}
		if out := f.outbound(t); len(out) != 1 || out[0].FileType != "" {
			t.Fatalf("ledger = %+v, want a text row", out)
		}
	})

	t.Run("no caption", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 201)
		f.admin.DownloadErr = errors.New("file is too big")
		f.compose(t, photoInput(""))

		if _, err := f.eng.Confirm(context.Background(), f.adm); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		got := f.client.SentTo(201)
		if len(got) != 1 || got[0].Attachment == nil || got[0].Attachment.FileID != "admin-photo" || got[0].Text != "" {
			t.Fatalf("client got %+v, want file id", got)
		}
	})
}

func TestPreemptionDiscardsDraftMedia(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_ = f.eng.Begin(ctx, f.adm)
	_ = f.eng.Compose(ctx, f.adm, photoInput("x"))
	if len(f.eng.LivePaths()) != 1 {
		t.Fatalf("LivePaths = %v", f.eng.LivePaths())
	}

	if _, err := f.sessions.Begin(f.key(), session.CrudInput, session.Init{CrudAction: "add_admin"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(f.files(t)) != 0 {
		t.Fatalf("files after preemption: %v", f.files(t))
	}
	if !strings.Contains(f.lastAdminText(), "discarded") {
		t.Fatalf("no discard notice, last = %q", f.lastAdminText())
	}
}

func TestInputOutsideBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.eng.Input(context.Background(), f.adm, kit.Message{Text: "confirm"}); !errors.Is(err, session.ErrModeMismatch) {
		t.Fatalf("Input = %v, want mismatch", err)
	}
	if _, err := f.eng.Confirm(context.Background(), f.adm); !errors.Is(err, session.ErrModeMismatch) {
		t.Fatalf("Confirm = %v, want mismatch", err)
	}
	if err := f.eng.Cancel(context.Background(), f.adm); !errors.Is(err, session.ErrModeMismatch) {
		t.Fatalf("Cancel = %v, want mismatch", err)
	}
}

func TestDispatchOutlivesHandlerDeadline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 201, 202, 203, 204, 205, 206)
	f.eng.SetDelay(30 * time.Millisecond)
	f.compose(t, kit.Message{Text: "maintenance tonight"})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	rep, err := f.eng.Confirm(ctx, f.adm)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("run finished inside the deadline, took %s", rep.Duration)
	}
	if rep.Total != 6 || rep.Sent != 6 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want all 6 sent", rep)
	}
	if len(f.outbound(t)) != 6 {
		t.Fatalf("outbound rows = %d, want 6", len(f.outbound(t)))
	}
	if !strings.Contains(f.lastAdminText(), "sent=6, failed=0 (total 6)") {
		t.Fatalf("final notice = %q", f.lastAdminText())
	}
}

func TestShutdownInterruptsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 201, 202, 203)
	f.compose(t, photoInput("tonight"))
	f.client.BeforeSend = func(to kit.ChatTarget) {
		if to.ChatID == 202 {
			f.eng.Shutdown()
		}
	}

	rep, err := f.eng.Confirm(context.Background(), f.adm)
	if !errors.Is(err, ErrInterrupted) || errors.Is(err, ErrAborted) {
		t.Fatalf("Confirm = %v, want ErrInterrupted only", err)
	}
	if rep.Total != 3 || rep.Sent+rep.Failed != 2 {
		t.Fatalf("report = %+v, want two recipients attempted", rep)
	}
	if len(f.client.SentTo(203)) != 0 {
		t.Fatalf("client 203 reached after shutdown")
	}
	if len(f.outbound(t)) != 2 {
		t.Fatalf("outbound rows = %d, want 2", len(f.outbound(t)))
	}
	last := f.lastAdminText()
	if !strings.Contains(last, "shut down") || !strings.Contains(last, "1 clients were not reached") {
		t.Fatalf("final notice = %q", last)
	}
	if len(f.files(t)) != 0 || f.sessions.Current(f.key()) != session.Idle {
		t.Fatalf("files %v mode %s after interrupt", f.files(t), f.sessions.Current(f.key()))
	}
	st, ok := f.eng.Status(rep.RunID)
	if !ok || st.Running {
		t.Fatalf("status = %+v", st)
	}

	// A halted engine does not start new runs.
	f.client.BeforeSend = nil
	f.compose(t, kit.Message{Text: "again"})
	rep, err = f.eng.Confirm(context.Background(), f.adm)
	if !errors.Is(err, ErrInterrupted) || rep.Sent != 0 {
		t.Fatalf("Confirm after shutdown = %+v, %v", rep, err)
	}
}

// ledgerOutage fails RecordMessage from the given call on.
type ledgerOutage struct {
	storage.Store
	failFrom int

	mu    sync.Mutex
	calls int
}

var errLedgerDown = errors.New("disk I/O error")

func (s *ledgerOutage) RecordMessage(ctx context.Context, m storage.NewMessage) (int64, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n >= s.failFrom {
		return 0, errLedgerDown
	}
	return s.Store.RecordMessage(ctx, m)
}

func TestLedgerFailureAbortsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 201, 202, 203, 204)
	f.useStore(&ledgerOutage{Store: f.st, failFrom: 3})
	f.compose(t, photoInput("promo"))
	if len(f.files(t)) != 1 {
		t.Fatalf("media not cached")
	}

	rep, err := f.eng.Confirm(context.Background(), f.adm)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, errLedgerDown) || errors.Is(err, ErrInterrupted) {
		t.Fatalf("Confirm = %v, want ErrAborted wrapping the ledger error", err)
	}
	if rep.Total != 4 || rep.Sent != 2 || rep.Failed != 0 {
		t.Fatalf("report = %+v, want sent=2 of 4", rep)
	}
	for _, id := range []int64{203, 204} {
		if f.client.Attempts(id) != 0 {
			t.Fatalf("client %d was sent to without a ledger row", id)
		}
	}
	last := f.lastAdminText()
	if !strings.Contains(last, "sent=2, failed=0 of 4") || !strings.Contains(last, "storage error") {
		t.Fatalf("final notice = %q", last)
	}
	if len(f.files(t)) != 0 {
		t.Fatalf("media copy survived the abort: %v", f.files(t))
	}
	if f.sessions.Current(f.key()) != session.Idle {
		t.Fatalf("mode = %s after abort", f.sessions.Current(f.key()))
	}
	st, ok := f.eng.Status(rep.RunID)
	if !ok || st.Running || st.Err == "" {
		t.Fatalf("status = %+v, want a finished run with an error", st)
	}
}

func TestDispatchUsesRosterSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 201, 202, 203)
	f.compose(t, kit.Message{Text: "hello"})
	var once sync.Once
	f.client.BeforeSend = func(kit.ChatTarget) {
		once.Do(func() {
			storagetest.AddClient(t, f.st, 204, "late", f.company.ID)
			if err := f.st.DeleteClient(context.Background(), 203); err != nil {
				t.Errorf("DeleteClient: %v", err)
			}
		})
	}

	rep, err := f.eng.Confirm(context.Background(), f.adm)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if rep.Total != 3 || rep.Sent != 3 {
		t.Fatalf("report = %+v, want the 3 clients of the snapshot", rep)
	}
	if len(f.client.SentTo(203)) != 1 {
		t.Fatalf("client removed mid-run was dropped from the run")
	}
	if len(f.client.SentTo(204)) != 0 {
		t.Fatalf("client added mid-run joined the run")
	}
}
