package statusbus

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New(fixedClock(time.Unix(0, 0)))
	sub := b.Subscribe(TopicRPMSample)
	defer b.Unsubscribe(sub)

	b.Publish(TopicRPMSample, RpmSample{RPM: 4200})
	b.Publish(TopicClientsChanged, ClientsChanged{Count: 1})

	select {
	case ev := <-sub.Events():
		if ev.Topic != TopicRPMSample {
			t.Fatalf("expected only rpm_sample delivered, got %v", ev.Topic)
		}
	default:
		t.Fatal("expected an event")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no second event for unsubscribed topic, got %v", ev)
	default:
	}
}

func TestPublishCoalescesStateTopics(t *testing.T) {
	b := New(fixedClock(time.Unix(0, 0)))
	sub := b.Subscribe(TopicRPMSample)
	defer b.Unsubscribe(sub)

	// Fill the buffer then publish one more; the stale entry should be
	// dropped in favor of the latest, not block the publisher.
	for i := 0; i < logTopicBuffer; i++ {
		b.Publish(TopicRPMSample, RpmSample{RPM: uint32(i)})
	}
	b.Publish(TopicRPMSample, RpmSample{RPM: 9999})

	var last RpmSample
	for {
		select {
		case ev := <-sub.Events():
			last = ev.Data.(RpmSample)
		default:
			goto done
		}
	}
done:
	if last.RPM != 9999 {
		t.Fatalf("expected latest coalesced value 9999, got %d", last.RPM)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	_, ok := <-sub.Events()
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}
