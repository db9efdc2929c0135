// Package notify implements the reactor engine's Notification Provider:
// an in-process connection/topic bus supporting per-connection unicast
// and topic-scoped broadcast.
package notify

import "sync"

// Notification is one message delivered on a connection's channel. Topic
// is empty for direct Notify deliveries.
type Notification struct {
	Topic   string
	Payload any
}

// Provider is the contract a notification backend must satisfy.
// Connections are identified by caller-chosen opaque ids; many
// connections may share a topic while each stays individually
// addressable through Notify.
type Provider interface {
	// Notify delivers payload directly to one connection. A payload for
	// an unknown or full connection is dropped rather than blocking.
	Notify(connectionID string, payload any)
	// Broadcast delivers payload to every connection subscribed to
	// topic. Non-blocking per connection, as for Notify.
	Broadcast(topic string, payload any)
	// Subscribe registers connectionID's interest in topic. Idempotent.
	Subscribe(connectionID, topic string)
	// Unsubscribe removes connectionID's interest in topic. Idempotent.
	Unsubscribe(connectionID, topic string)
}

// Bus is the default in-process Provider. A connection is materialized
// with Connect, which returns the channel Notify and Broadcast deliver
// to; Subscribe may be called before or after Connect, but deliveries
// only reach connections that are connected.
type Bus struct {
	mu     sync.RWMutex
	conns  map[string]chan Notification
	topics map[string]map[string]struct{} // topic -> subscribed connection ids
}

// New creates an empty, ready-to-use Bus.
func New() *Bus {
	return &Bus{
		conns:  make(map[string]chan Notification),
		topics: make(map[string]map[string]struct{}),
	}
}

// Connect registers connectionID and returns its delivery channel,
// replacing (and closing) any previous channel under the same id.
func (b *Bus) Connect(connectionID string, bufSize int) <-chan Notification {
	if bufSize <= 0 {
		bufSize = 16
	}
	ch := make(chan Notification, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.conns[connectionID]; ok {
		close(old)
	}
	b.conns[connectionID] = ch
	return ch
}

// Disconnect drops connectionID from every topic and closes its channel.
// Idempotent.
func (b *Bus) Disconnect(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.conns[connectionID]
	if !ok {
		return
	}
	delete(b.conns, connectionID)
	for _, members := range b.topics {
		delete(members, connectionID)
	}
	close(ch)
}

func (b *Bus) Notify(connectionID string, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.conns[connectionID]
	if !ok {
		return
	}
	select {
	case ch <- Notification{Payload: payload}:
	default:
	}
}

func (b *Bus) Broadcast(topic string, payload any) {
	if b == nil {
		return
	}
	n := Notification{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for connID := range b.topics[topic] {
		ch, ok := b.conns[connID]
		if !ok {
			continue
		}
		select {
		case ch <- n:
		default:
		}
	}
}

func (b *Bus) Subscribe(connectionID, topic string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]struct{})
	}
	b.topics[topic][connectionID] = struct{}{}
}

func (b *Bus) Unsubscribe(connectionID, topic string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(b.topics, topic)
	}
}
