package reactor

import (
	"testing"
	"time"
)

func TestLifecycle_Transitions(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		c := NewLifecycleController()
		if c.State() != StateInitialized {
			t.Fatalf("expected INITIALIZED, got %s", c.State())
		}
		if err := c.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := c.Pause(); err != nil {
			t.Fatalf("Pause: %v", err)
		}
		if _, err := c.Resume(); err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if err := c.Destroy(nil); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if c.State() != StateDestroyed {
			t.Fatalf("expected DESTROYED, got %s", c.State())
		}
	})

	t.Run("invalid transitions are rejected", func(t *testing.T) {
		c := NewLifecycleController()
		if err := c.Pause(); err == nil {
			t.Error("Pause from INITIALIZED should fail")
		}
		if _, err := c.Resume(); err == nil {
			t.Error("Resume from INITIALIZED should fail")
		}

		if err := c.Destroy(nil); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		_, err := c.Resume()
		ite, ok := err.(*InvalidTransitionError)
		if !ok {
			t.Fatalf("expected *InvalidTransitionError resuming a destroyed engine, got %T: %v", err, err)
		}
		if ite.From != StateDestroyed || ite.To != StateRunning {
			t.Errorf("unexpected transition detail: %+v", ite)
		}
	})
}

func TestLifecycle_EventOrderOnDestroy(t *testing.T) {
	c := NewLifecycleController()
	ch := c.Events().Subscribe(16)
	defer c.Events().Unsubscribe(ch)

	tornDown := false
	if err := c.Destroy(func() { tornDown = true }); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !tornDown {
		t.Error("teardown callback never ran")
	}

	var events []EventType
	deadline := time.After(time.Second)
	for len(events) < 2 {
		select {
		case e := <-ch:
			events = append(events, e.Type)
		case <-deadline:
			t.Fatalf("only saw events %v", events)
		}
	}
	if events[0] != EventBeforeDestroy || events[1] != EventAfterDestroy {
		t.Errorf("expected BEFORE_DESTROY then AFTER_DESTROY, got %v", events)
	}
}

func TestLifecycle_DeferredUpdatesCoalesce(t *testing.T) {
	c := NewLifecycleController()
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	c.RecordDeferred("n", DataValue(1.0))
	c.RecordDeferred("n", DataValue(2.0))
	c.RecordDeferred("m", DataValue(9.0))

	drained, err := c.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 coalesced entries, got %d", len(drained))
	}
	if drained["n"].Data.(float64) != 2.0 {
		t.Errorf("expected latest value per node, got %v", drained["n"])
	}

	// A second pause/resume starts from an empty deferred set.
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	drained, _ = c.Resume()
	if len(drained) != 0 {
		t.Errorf("expected deferred set cleared, got %v", drained)
	}
}

func TestEventBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewEventBus()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	b.Publish(Event{Type: EventEngineStarted}) // must not panic
}

func TestEventBus_FullSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewEventBus()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventNodeComputeOK})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}
