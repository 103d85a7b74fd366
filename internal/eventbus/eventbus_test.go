package eventbus

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sub.Ch():
		if event.Topic != "test.event" {
			t.Fatalf("topic = %q, want %q", event.Topic, "test.event")
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish("task.state_changed", "new task")
	b.Publish("system.status", "ok")

	select {
	case event := <-taskSub.Ch():
		if event.Topic != "task.state_changed" {
			t.Fatalf("topic = %q, want task.state_changed", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_DropOldestKeepsNewestEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	const overflow = 10
	for i := 0; i < defaultBuffer+overflow; i++ {
		b.Publish("test.event", i)
	}

	var got []int
	for {
		select {
		case ev := <-sub.Ch():
			got = append(got, ev.Payload.(int))
		default:
			goto done
		}
	}
done:
	if len(got) != defaultBuffer {
		t.Fatalf("received %d events, expected %d (buffer size)", len(got), defaultBuffer)
	}
	// The oldest events were evicted: what remains is the newest window.
	if got[0] != overflow {
		t.Fatalf("first buffered event = %d, want %d (oldest evicted)", got[0], overflow)
	}
	if got[len(got)-1] != defaultBuffer+overflow-1 {
		t.Fatalf("last buffered event = %d, want %d", got[len(got)-1], defaultBuffer+overflow-1)
	}
}

func TestBus_SubscribeBuffered(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("test", 3)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish("test.event", i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != 3 {
				t.Fatalf("received %d events, want 3 (custom buffer)", count)
			}
			if st := sub.Stats(); st.Buffer != 3 || st.Evicted != 2 {
				t.Fatalf("stats = %+v, want buffer 3, evicted 2", st)
			}
			return
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("test")
	sub2 := b.Subscribe("test")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("test.event", "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("", 1024)
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
	if st := sub.Stats(); st.Delivered != int64(total) || st.Evicted != 0 {
		t.Fatalf("stats = %+v, want delivered %d, evicted 0", st, total)
	}
}

func TestBus_EvictionStats(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("test", 2)
	defer b.Unsubscribe(sub)

	for i := 0; i < 7; i++ {
		b.Publish("test.event", i)
	}

	total, subs := b.Stats()
	if total != 5 {
		t.Fatalf("total evicted = %d, want 5", total)
	}
	if len(subs) != 1 || subs[0].Evicted != 5 || subs[0].Delivered != 7 {
		t.Fatalf("per-sub stats = %+v, want evicted 5, delivered 7", subs)
	}
}

func TestBus_SlowConsumerWarningRateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.SubscribeBuffered("test", 1)
	defer b.Unsubscribe(sub)

	for i := 0; i < 50; i++ {
		b.Publish("test.event", i)
	}

	warnings := bytes.Count(buf.Bytes(), []byte("eventbus slow consumer"))
	if warnings != 1 {
		t.Fatalf("expected exactly 1 rate-limited warning, got %d (log: %s)", warnings, buf.String())
	}
}
