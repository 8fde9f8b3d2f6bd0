package bus

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestPublishFanout(t *testing.T) {
	b := New(quietLogger())
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("subscriber count = %d, expected 2", got)
	}

	b.Publish(EventTradeCreated, map[string]uint{"trade_id": 7})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Name != EventTradeCreated {
				t.Errorf("subscriber %d got %q", i, ev.Name)
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(quietLogger())
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d, expected 0", got)
	}

	// Publishing with no subscribers must not panic or block.
	b.Publish(EventTradeClosed, nil)
}

func TestPublishDropsOldestWhenLagging(t *testing.T) {
	b := New(quietLogger())
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		b.Publish(EventAlertReceived, i)
	}

	if got := b.Dropped(); got != 3 {
		t.Errorf("dropped = %d, expected 3", got)
	}

	// The oldest events went; the newest are intact.
	first := <-ch
	if first.Payload.(int) != 3 {
		t.Errorf("first buffered payload = %v, expected 3", first.Payload)
	}
	var last Event
	for i := 0; i < subscriberBuffer-1; i++ {
		last = <-ch
	}
	want := fmt.Sprintf("%d", subscriberBuffer+2)
	if got := fmt.Sprintf("%v", last.Payload); got != want {
		t.Errorf("last buffered payload = %s, expected %s", got, want)
	}
}
