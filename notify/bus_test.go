package notify

import (
	"testing"
	"time"
)

func recvOrTimeout(t *testing.T, ch <-chan Notification, d time.Duration) (Notification, bool) {
	t.Helper()
	select {
	case n, ok := <-ch:
		if !ok {
			t.Fatal("connection channel closed unexpectedly")
		}
		return n, true
	case <-time.After(d):
		return Notification{}, false
	}
}

func TestBus_NotifyTargetsOneConnection(t *testing.T) {
	b := New()
	ch1 := b.Connect("conn-1", 4)
	ch2 := b.Connect("conn-2", 4)

	b.Notify("conn-1", "direct")

	n, ok := recvOrTimeout(t, ch1, time.Second)
	if !ok {
		t.Fatal("unicast never delivered")
	}
	if n.Payload.(string) != "direct" || n.Topic != "" {
		t.Errorf("unexpected notification %+v", n)
	}
	if _, leaked := recvOrTimeout(t, ch2, 50*time.Millisecond); leaked {
		t.Error("unicast must not reach other connections")
	}
}

func TestBus_BroadcastReachesTopicSubscribersOnly(t *testing.T) {
	b := New()
	chIn := b.Connect("in", 4)
	chOut := b.Connect("out", 4)
	b.Subscribe("in", "orders")

	b.Broadcast("orders", "created")
	b.Broadcast("payments", "ignored")

	n, ok := recvOrTimeout(t, chIn, time.Second)
	if !ok {
		t.Fatal("broadcast never delivered")
	}
	if n.Topic != "orders" || n.Payload.(string) != "created" {
		t.Errorf("unexpected notification %+v", n)
	}
	if _, extra := recvOrTimeout(t, chIn, 50*time.Millisecond); extra {
		t.Error("received a broadcast for a foreign topic")
	}
	if _, leaked := recvOrTimeout(t, chOut, 50*time.Millisecond); leaked {
		t.Error("unsubscribed connection must not receive topic broadcasts")
	}
}

func TestBus_ManyConnectionsShareATopic(t *testing.T) {
	b := New()
	ch1 := b.Connect("c1", 4)
	ch2 := b.Connect("c2", 4)
	b.Subscribe("c1", "news")
	b.Subscribe("c2", "news")

	b.Broadcast("news", "flash")

	for i, ch := range []<-chan Notification{ch1, ch2} {
		if n, ok := recvOrTimeout(t, ch, time.Second); !ok || n.Payload.(string) != "flash" {
			t.Errorf("connection %d missed the shared-topic broadcast", i+1)
		}
	}

	// Each stays individually addressable.
	b.Notify("c2", "only you")
	if n, ok := recvOrTimeout(t, ch2, time.Second); !ok || n.Payload.(string) != "only you" {
		t.Error("shared-topic member lost its unicast address")
	}
	if _, leaked := recvOrTimeout(t, ch1, 50*time.Millisecond); leaked {
		t.Error("unicast leaked to a topic peer")
	}
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Connect("c", 4)
	b.Subscribe("c", "t")
	b.Unsubscribe("c", "t")
	b.Unsubscribe("c", "t")
	b.Unsubscribe("ghost", "t")
	b.Unsubscribe("c", "no-such-topic")

	b.Broadcast("t", "gone")
	if _, got := recvOrTimeout(t, ch, 50*time.Millisecond); got {
		t.Error("unsubscribed connection must not receive broadcasts")
	}
}

func TestBus_DisconnectDropsAllSubscriptions(t *testing.T) {
	b := New()
	b.Connect("c", 4)
	b.Subscribe("c", "t1")
	b.Subscribe("c", "t2")

	b.Disconnect("c")
	b.Disconnect("c") // idempotent

	b.Notify("c", "lost")
	b.Broadcast("t1", "lost")
}

func TestBus_SubscribeBeforeConnectIsHonored(t *testing.T) {
	b := New()
	b.Subscribe("early", "t")
	ch := b.Connect("early", 4)

	b.Broadcast("t", "hello")
	if n, ok := recvOrTimeout(t, ch, time.Second); !ok || n.Payload.(string) != "hello" {
		t.Error("subscription made before Connect should deliver once connected")
	}
}

func TestBus_FullConnectionDoesNotBlock(t *testing.T) {
	b := New()
	b.Connect("busy", 1)
	b.Subscribe("busy", "t")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Notify("busy", i)
			b.Broadcast("t", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full connection")
	}
}

func TestBus_NilReceiverIsSafe(t *testing.T) {
	var b *Bus
	b.Notify("c", 1)
	b.Broadcast("t", 1)
	b.Subscribe("c", "t")
	b.Unsubscribe("c", "t")
}
