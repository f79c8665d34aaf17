package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ClaimWon, Data: int64(42)})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != ClaimWon || e.Data != int64(42) {
			t.Fatalf("event = %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatalf("event time not stamped")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: ReplySent})
	b.Publish(Event{Type: ReplySent})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: ReplyFailed})
}
