package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

type fakeTransport struct {
	mu      sync.Mutex
	fail    map[string]bool
	sent    []Message
	targets []string
}

func (f *fakeTransport) SendMessage(_ context.Context, agentID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, agentID)
	if f.fail[agentID] {
		return errors.New("agent unreachable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestPriorityQueueOrdersByPriority(t *testing.T) {
	q := NewQueue("q1", QueuePriority, 0, DeliveryAtMostOnce, "q1.dlq", RetryPolicy{})
	q.Enqueue(Message{ID: "low", Priority: PriorityLow})
	q.Enqueue(Message{ID: "critical", Priority: PriorityCritical})
	q.Enqueue(Message{ID: "normal", Priority: PriorityNormal})
	q.Enqueue(Message{ID: "high", Priority: PriorityHigh})

	var order []string
	for {
		msg, ok := q.Dequeue(time.Now())
		if !ok {
			break
		}
		order = append(order, msg.ID)
	}

	want := []string{"critical", "high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestBroadcastWithDeadSubscriberDeadLetters(t *testing.T) {
	transport := &fakeTransport{fail: map[string]bool{"agent-dead": true}}
	b := New(Config{RetryScanInterval: 10 * time.Millisecond, DefaultQueueCap: 100}, transport, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	ch := NewChannel("room", ChannelBroadcast, AccessControl{})
	_ = ch.Join("agent-a")
	_ = ch.Join("agent-dead")
	b.PutChannel(ch)

	msg := Message{
		Type:        "announce",
		Sender:      "agent-a",
		Content:     []byte("hello"),
		Reliability: ReliabilityAtLeastOnce,
	}
	if _, err := b.Send(ctx, msg, SendOptions{ChannelName: "room"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	transport.mu.Lock()
	gotDead := false
	for _, target := range transport.targets {
		if target == "agent-dead" {
			gotDead = true
		}
	}
	transport.mu.Unlock()
	if !gotDead {
		t.Fatal("expected delivery attempt to agent-dead to fail")
	}

	q := b.Queue(defaultQueueName("room"), QueueFIFO, DeliveryAtLeastOnce, RetryPolicy{})
	q.Retry = RetryPolicy{MaxAttempts: 1, Backoff: func(string, int) time.Duration { return 0 }}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dls := b.DeadLetters("announce")
		if len(dls) > 0 {
			if dls[0].Reason != "retry_exhausted" {
				t.Fatalf("dead letter reason = %s, want retry_exhausted", dls[0].Reason)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected agent-dead's message to be dead-lettered with retry_exhausted")
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	transport := &fakeTransport{}
	b := New(DefaultConfig(), transport, nil)
	msg := Message{Type: "x", Receivers: []string{"agent-a"}, Content: make([]byte, MaxMessageSize+1)}
	_, err := b.Send(context.Background(), msg, SendOptions{})
	if !shared.Is(err, shared.KindInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestDirectSendBestEffortDeliversOnce(t *testing.T) {
	transport := &fakeTransport{}
	b := New(DefaultConfig(), transport, nil)
	msg := Message{Type: "ping", Receivers: []string{"agent-a"}, Content: []byte("hi")}
	if _, err := b.Send(context.Background(), msg, SendOptions{Reliability: ReliabilityBestEffort}); err != nil {
		t.Fatalf("send: %v", err)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(transport.sent))
	}
}

func TestRetryEligibleBackoffGrowsWithAttempts(t *testing.T) {
	q := NewQueue("q", QueueFIFO, 0, DeliveryAtLeastOnce, "q.dlq", RetryPolicy{
		MaxAttempts: 5,
		Backoff:     func(_ string, attempt int) time.Duration { return time.Duration(attempt) * time.Hour },
	})
	msg := Message{ID: "m1", Type: "t", Sender: "a", Receivers: []string{"b"}}
	if !q.Enqueue(msg) {
		t.Fatal("enqueue failed")
	}
	q.RecordAttempt("m1") // initial send-time attempt

	now := time.Now()
	if got := q.RetryEligible(now.Add(30 * time.Minute)); len(got) != 0 {
		t.Fatalf("eligible after 30m with 1h window: %v", got)
	}
	if got := q.RetryEligible(now.Add(90 * time.Minute)); len(got) != 1 {
		t.Fatalf("expected eligibility after the first backoff window, got %v", got)
	}

	// A second attempt widens the window to 2h from the new attempt time.
	q.RecordAttempt("m1")
	if got := q.RetryEligible(now.Add(90 * time.Minute)); len(got) != 0 {
		t.Fatalf("eligible before the widened window: %v", got)
	}
	if got := q.RetryEligible(now.Add(150 * time.Minute)); len(got) != 1 {
		t.Fatalf("expected eligibility after the widened window, got %v", got)
	}
	if q.AttemptsOf("m1") != 2 {
		t.Fatalf("attempts = %d, want 2", q.AttemptsOf("m1"))
	}
}
