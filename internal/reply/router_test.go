package reply

import (
	"context"
	"errors"
	"strings"
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
	router   *Router
	adm      storage.Admin
}

func newFixture(t *testing.T) *fixture {
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
	f.router = New(Deps{
		Store:    f.st,
		Admin:    f.admin,
		Client:   f.client,
		Sessions: f.sessions,
		Media:    cache,
		Deliver: delivery.New(delivery.DefaultPolicy(), logx.Nop(), delivery.WithSleep(func(context.Context, time.Duration) error {
			return nil
		})),
	})
	f.adm = storagetest.AddAdmin(t, f.st, 1, "A")
	return f
}

// claimFor records an inbound message from clientTG, claims it for f.adm and
// enters reply mode.
func (f *fixture) claimFor(t *testing.T, clientTG int64) storage.Claim {
	t.Helper()
	ctx := context.Background()
	msgID := storagetest.Inbound(t, f.st, clientTG, "need help")
	var clientID int64
	if cl, err := f.st.FindClientByTGID(ctx, clientTG); err == nil {
		clientID = cl.ID
	}
	c, created, err := f.st.CreateClaimIfAbsent(ctx, storage.NewClaim{MessageID: msgID, ClientID: clientID, AdminID: f.adm.ID})
	if err != nil || !created {
		t.Fatalf("CreateClaimIfAbsent = %v, %v", created, err)
	}
	if _, err := f.sessions.Begin(session.PrivateKey(f.adm.TGID), session.ClaimReply, session.Init{ClaimID: c.ID}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return c
}

func (f *fixture) lastAdminText() string {
	sent := f.admin.SentTo(f.adm.TGID)
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1].Text
}

func TestHandleForwardsAndStaysInReplyMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	co := storagetest.AddCompany(t, f.st, "Acme")
	storagetest.AddClient(t, f.st, 500, "Carol", co.ID)
	c := f.claimFor(t, 500)
	ctx := context.Background()

	for _, text := range []string{"first answer", "second answer"} {
		res, err := f.router.Handle(ctx, f.adm, kit.Message{Text: text})
		if err != nil || !res.Sent() {
			t.Fatalf("Handle(%q) = %+v, %v", text, res, err)
		}
		if res.ClaimID != c.ID || res.ClientTGID != 500 {
			t.Fatalf("result = %+v", res)
		}
	}
	got := f.client.SentTo(500)
	if len(got) != 2 || got[1].Text != clientHeader+"\nsecond answer" {
		t.Fatalf("client got %+v", got)
	}
	if f.sessions.Current(session.PrivateKey(f.adm.TGID)) != session.ClaimReply {
		t.Fatalf("reply mode ended after a send")
	}

	hist, _ := f.st.CompanyHistory(ctx, co.ID, 50)
	out := 0
	for _, m := range hist {
		if m.Direction == storage.Outbound {
			out++
		}
	}
	if out != 2 {
		t.Fatalf("outbound rows = %d, want 2", out)
	}
	if !strings.Contains(f.lastAdminText(), "Reply sent") {
		t.Fatalf("admin notice = %q", f.lastAdminText())
	}
}

func TestHandleMediaGoesThroughLocalCopy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	storagetest.AddClient(t, f.st, 500, "Carol", 0)
	f.claimFor(t, 500)

	in := kit.Message{Text: "invoice", Attachment: &kit.Attachment{Kind: kit.MediaDocument, FileID: "admin-doc", FileName: "invoice.pdf"}}
	res, err := f.router.Handle(context.Background(), f.adm, in)
	if err != nil || !res.Sent() {
		t.Fatalf("Handle = %+v, %v", res, err)
	}
	got := f.client.SentTo(500)
	if len(got) != 1 || got[0].Attachment == nil || got[0].Attachment.FileID != "" || !strings.HasSuffix(got[0].Attachment.LocalPath, ".pdf") {
		t.Fatalf("client got %+v", got)
	}
	if files, _ := f.cache.Files(); len(files) != 0 {
		t.Fatalf("reply media left behind: %v", files)
	}
}

func TestHandleUnresolvedClientIsPermanent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.claimFor(t, 999) // no client record
	if c.ClientID != 0 {
		t.Fatalf("ClientID = %d", c.ClientID)
	}

	res, err := f.router.Handle(context.Background(), f.adm, kit.Message{Text: "hello?"})
	if !errors.Is(err, ErrUnresolvedParticipant) {
		t.Fatalf("Handle = %v, want ErrUnresolvedParticipant", err)
	}
	if res.Delivery.Outcome.Kind != delivery.Permanent || res.Delivery.Attempts != 0 {
		t.Fatalf("delivery = %+v, want permanent with no attempts", res.Delivery)
	}
	if len(f.client.Sent()) != 0 || f.client.Attempts(999) != 0 {
		t.Fatalf("send attempted for unresolved client")
	}
	if !strings.Contains(f.lastAdminText(), "Reply not sent") {
		t.Fatalf("admin notice = %q", f.lastAdminText())
	}
}

func TestHandleReportsDeliveryFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	storagetest.AddClient(t, f.st, 500, "Carol", 0)
	f.claimFor(t, 500)
	f.client.Script(500, errors.New("Forbidden: bot was blocked by the user"))

	res, err := f.router.Handle(context.Background(), f.adm, kit.Message{Text: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Sent() || res.Delivery.Attempts != 1 {
		t.Fatalf("delivery = %+v", res.Delivery)
	}
	if !strings.Contains(f.lastAdminText(), "not delivered") {
		t.Fatalf("admin notice = %q", f.lastAdminText())
	}
}

func TestHandleRequiresReplyMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.router.Handle(context.Background(), f.adm, kit.Message{Text: "stray"}); !errors.Is(err, session.ErrModeMismatch) {
		t.Fatalf("Handle = %v, want mismatch", err)
	}
	if len(f.admin.Sent()) != 0 {
		t.Fatalf("mismatch produced output")
	}
}

func TestDoneClosesClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	storagetest.AddClient(t, f.st, 500, "Carol", 0)
	c := f.claimFor(t, 500)

	closed, err := f.router.Done(context.Background(), f.adm)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	if closed.ID != c.ID || closed.Status != storage.ClaimClosed {
		t.Fatalf("claim = %+v", closed)
	}
	if f.sessions.Current(session.PrivateKey(f.adm.TGID)) != session.Idle {
		t.Fatalf("mode not reset")
	}
	if _, err := f.router.Done(context.Background(), f.adm); !errors.Is(err, session.ErrModeMismatch) {
		t.Fatalf("second Done = %v", err)
	}
}

func TestDirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	storagetest.AddClient(t, f.st, 500, "Carol", 0)

	res, err := f.router.Direct(context.Background(), f.adm, 500, "quick note")
	if err != nil || !res.Sent() {
		t.Fatalf("Direct = %+v, %v", res, err)
	}
	if _, err := f.router.Direct(context.Background(), f.adm, 501, "x"); !errors.Is(err, ErrUnresolvedParticipant) {
		t.Fatalf("Direct(unknown) = %v", err)
	}
	if f.sessions.Current(session.PrivateKey(f.adm.TGID)) != session.Idle {
		t.Fatalf("Direct changed the session")
	}
}
