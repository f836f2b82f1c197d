package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	dispatch, unsubDispatch := b.Subscribe(4, "dispatch.")
	defer unsubDispatch()

	b.Publish(Event{Type: "poll.cycle"})
	b.Publish(Event{Type: "dispatch.failed"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events", got)
	}
	if got := len(dispatch); got != 1 {
		t.Fatalf("filtered subscriber got %d events", got)
	}
	if e := <-dispatch; e.Type != "dispatch.failed" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "after"})
}
