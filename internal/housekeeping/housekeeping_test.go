package housekeeping

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/storage/storagetest"
	"relaybot/internal/transport/transporttest"
	"relaybot/pkg/logx"
)

type fakeSweeper struct {
	maxAge time.Duration
	keep   []string
	n      int
}

func (f *fakeSweeper) Sweep(maxAge time.Duration, keep []string) (int, error) {
	f.maxAge, f.keep = maxAge, keep
	return f.n, nil
}

func TestMediaSweep(t *testing.T) {
	t.Parallel()
	sw := &fakeSweeper{n: 2}
	job := MediaSweep(sw,
		func() time.Duration { return time.Hour },
		func() []string { return []string{"/m/a.jpg"} },
		logx.Nop(),
	)
	if err := job(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sw.maxAge != time.Hour || !reflect.DeepEqual(sw.keep, []string{"/m/a.jpg"}) {
		t.Fatalf("sweep called with %v %v", sw.maxAge, sw.keep)
	}
}

func TestUnclaimedDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storagetest.Open(t)
	bot := transporttest.New()
	job := UnclaimedDigest(st, bot, logx.Nop())

	storagetest.AddAdmin(t, st, 100, "Ann")
	storagetest.AddAdmin(t, st, 200, "Bob")
	if err := job(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(bot.Sent()); n != 0 {
		t.Fatalf("digest sent with nothing waiting: %d", n)
	}

	co := storagetest.AddCompany(t, st, "Acme")
	storagetest.AddClient(t, st, 900, "Carl", co.ID)
	storagetest.Inbound(t, st, 900, "hello")
	storagetest.Inbound(t, st, 900, "anyone?")
	bot.Script(200, errors.New("blocked"))

	if err := job(ctx); err != nil {
		t.Fatal(err)
	}
	got := bot.SentTo(100)
	if len(got) != 1 || !strings.Contains(got[0].Text, "2") {
		t.Fatalf("admin 100 got %+v", got)
	}
	if bot.Attempts(200) != 1 {
		t.Fatalf("admin 200 attempts = %d", bot.Attempts(200))
	}
}

func TestScheduleAndApply(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(logx.Nop())
	s.Register(JobMediaSweep, func(context.Context) error { return nil })
	s.Register(JobUnclaimedDigest, func(context.Context) error { return nil })

	err := s.Start(ctx, Config{Specs: map[string]string{JobMediaSweep: "@every 1h", JobUnclaimedDigest: ""}})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())
	if got := s.Scheduled(); !reflect.DeepEqual(got, []string{JobMediaSweep}) {
		t.Fatalf("scheduled = %v", got)
	}

	err = s.Apply(Config{Timezone: "UTC", Specs: map[string]string{JobMediaSweep: "@every 1h", JobUnclaimedDigest: "0 9 * * *"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Scheduled(); !reflect.DeepEqual(got, []string{JobMediaSweep, JobUnclaimedDigest}) {
		t.Fatalf("scheduled after apply = %v", got)
	}

	if err := s.Apply(Config{Specs: map[string]string{"backup": "@daily"}}); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
	if err := s.Apply(Config{Timezone: "Nowhere/Land"}); err == nil {
		t.Fatal("bad timezone accepted")
	}
	if got := s.Scheduled(); len(got) != 2 {
		t.Fatalf("failed apply changed schedule: %v", got)
	}
}

func TestRunsOnSchedule(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{}, 1)
	s := New(logx.Nop())
	s.Register("tick", func(context.Context) error {
		if runs.Add(1) == 1 {
			done <- struct{}{}
		}
		return nil
	})
	if err := s.Start(ctx, Config{Specs: map[string]string{"tick": "@every 1s"}}); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestRunNow(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	called := false
	s.Register("once", func(context.Context) error { called = true; return nil })
	if err := s.RunNow(context.Background(), "once"); err != nil || !called {
		t.Fatalf("RunNow err=%v called=%v", err, called)
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v", err)
	}
}
