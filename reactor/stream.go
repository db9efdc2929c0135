package reactor

import (
	"sync"
	"time"
)

// Stream is a per-node multicast value channel: it replays its last value
// to late subscribers and applies a fixed operator chain (distinct_values
// -> throttle_time -> debounce_time) before fanning a published value out
// to subscribers.
//
// Delivery is buffered and ordering-preserving: the scheduler's own
// internal propagation depends on every accepted value reaching every
// subscriber in publish order, so Stream blocks a slow subscriber rather
// than silently dropping its event.
type Stream struct {
	mu   sync.Mutex
	subs map[chan Value]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel handed
	// to callers while still being able to close/delete the underlying
	// bidirectional channel stored in subs.
	recvToSend map[<-chan Value]chan Value

	opts StreamOptions

	last     *Value // last delivered non-sentinel value, for distinct filtering and replay
	lastEmit time.Time

	debounceTimer   *time.Timer
	debouncePending *Value
	closed          bool
}

// NewStream creates a Stream configured with opts.
func NewStream(opts StreamOptions) *Stream {
	return &Stream{
		subs:       make(map[chan Value]struct{}),
		recvToSend: make(map[<-chan Value]chan Value),
		opts:       opts,
	}
}

// Subscribe returns a channel that receives every value this stream
// delivers from now on. If the stream has already delivered a value, that
// value is replayed to the new subscriber immediately so late joiners see
// current state without waiting for the next publish.
func (s *Stream) Subscribe(bufSize int) <-chan Value {
	if bufSize <= 0 {
		bufSize = 1
	}
	ch := make(chan Value, bufSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
	s.recvToSend[ch] = ch
	if s.last != nil {
		ch <- *s.last
	}
	return ch
}

// SubscribeExternal is like Subscribe but, for a stream that has not yet
// delivered any value, replays INIT_NODE_EXEC to the new subscriber instead
// of nothing. It is used by the Public Composition API's Observe/subscription
// wiring to give external consumers the "emitted once at registration,
// before any compute" signal; internal scheduler input forwarding keeps
// using Subscribe, since an Init replay there would satisfy a downstream
// node's input-aggregation readiness before its real upstream value ever
// arrives.
func (s *Stream) SubscribeExternal(bufSize int) <-chan Value {
	if bufSize <= 0 {
		bufSize = 1
	}
	ch := make(chan Value, bufSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
	s.recvToSend[ch] = ch
	if s.last != nil {
		ch <- *s.last
	} else {
		ch <- InitValue()
	}
	return ch
}

// SeedLastValue sets the stream's replay value without delivering it to any
// subscriber. UpdateGraph/ImportState use this to carry an unaffected node's
// last known value forward into a freshly rebuilt Scheduler/Stream pair.
func (s *Stream) SeedLastValue(v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &v
}

// Unsubscribe removes and closes a channel returned by Subscribe. Calling
// it twice on the same channel, or on a channel never returned by this
// stream, is a no-op.
func (s *Stream) Unsubscribe(ch <-chan Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sendCh, ok := s.recvToSend[ch]
	if !ok {
		return
	}
	delete(s.subs, sendCh)
	delete(s.recvToSend, ch)
	close(sendCh)
}

// Publish pushes v through the operator chain and, if it survives, fans it
// out to every current subscriber. Sentinels (INIT_NODE_EXEC,
// SKIP_NODE_EXEC) always bypass the operator chain and are delivered
// immediately: they are scheduler protocol, not data subject to filtering.
func (s *Stream) Publish(v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if v.IsSentinel() {
		s.deliverLocked(v)
		return
	}

	if s.opts.DistinctValues && s.last != nil && s.last.Equal(v) {
		return
	}

	if s.opts.ThrottleTimeMS > 0 {
		now := time.Now()
		if !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < time.Duration(s.opts.ThrottleTimeMS)*time.Millisecond {
			return
		}
		s.lastEmit = now
	}

	if s.opts.DebounceTimeMS > 0 {
		s.scheduleDebounceLocked(v)
		return
	}

	s.last = &v
	s.deliverLocked(v)
}

func (s *Stream) scheduleDebounceLocked(v Value) {
	vCopy := v
	s.debouncePending = &vCopy
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	window := time.Duration(s.opts.DebounceTimeMS) * time.Millisecond
	s.debounceTimer = time.AfterFunc(window, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.debouncePending == nil {
			return
		}
		pending := *s.debouncePending
		s.debouncePending = nil
		s.last = &pending
		s.deliverLocked(pending)
	})
}

func (s *Stream) deliverLocked(v Value) {
	for ch := range s.subs {
		ch <- v
	}
}

// LastValue returns the most recently delivered non-sentinel value, for
// snapshotting engine state.
func (s *Stream) LastValue() (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Value{}, false
	}
	return *s.last, true
}

// Close stops any pending debounce timer and marks the stream as no longer
// accepting publishes, without closing subscriber channels (callers still
// holding a subscription should Unsubscribe individually during teardown).
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
}
