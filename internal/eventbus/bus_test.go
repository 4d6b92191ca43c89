package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Publish(b, LedgerRecorded, "x")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, LedgerRecorded, e.Type)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribePrefixFilters(t *testing.T) {
	b := New()
	ch, unsub := SubscribePrefix(b, 4, "registrar.")
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: RegistrarInstalled})

	e := <-ch
	assert.Equal(t, RegistrarInstalled, e.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %q", extra.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: BatchCompleted})
	}
	require.Equal(t, uint64(2), Dropped(b))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: BatchCompleted})
	Publish(nil, BatchCompleted, nil)
}
