package fanout

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/campuslink/chat-core/internal/message"
	"github.com/campuslink/chat-core/internal/metrics"
)

// Manager maintains one live channel per conversation scope and subscriber.
// It converts transport deliveries into ordered, de-duplicated message
// events. The manager guarantees live delivery going forward only; it never
// replays missed messages — on reconnect the subscriber is told to resync
// via the store's newest window.
type Manager struct {
	transport Transport

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewManager creates a manager over the given transport. If the transport is
// a NATSClient, reconnect events automatically trigger resync notifications
// for every active subscription.
func NewManager(transport Transport) *Manager {
	m := &Manager{
		transport: transport,
		subs:      make(map[*Subscription]struct{}),
	}
	if nc, ok := transport.(*NATSClient); ok {
		nc.OnReconnect(m.NotifyReconnected)
	}
	return m
}

// Publish fans a confirmed message out to all live subscribers of its scope.
func (m *Manager) Publish(msg *message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("fanout: marshal message %s: %w", msg.ID, err)
	}
	if err := m.transport.Publish(msg.Scope.Subject(), data); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", msg.Scope, err)
	}
	return nil
}

// Subscribe establishes a live channel for userID on the scope. onMessage
// receives every newly appended message in the scope exactly once, in append
// order. For direct threads the subscriber must be a participant; delivery
// is additionally filtered so messages from unrelated conversations sharing
// the transport can never leak through.
//
// onResync, if non-nil, is invoked after a transport reconnect. The manager
// does not replay what was missed; the callback should reconcile by fetching
// the newest window from the store.
func (m *Manager) Subscribe(scope message.Scope, userID string, onMessage func(message.Message), onResync func()) (*Subscription, error) {
	if scope.IsZero() {
		return nil, fmt.Errorf("fanout: subscribe with zero scope")
	}
	if scope.IsDM() && !scope.HasParticipant(userID) {
		return nil, fmt.Errorf("fanout: user %s is not a participant of %s", userID, scope)
	}

	sub := &Subscription{
		manager:   m,
		scope:     scope,
		userID:    userID,
		onMessage: onMessage,
		onResync:  onResync,
		seen:      newIDRing(dedupeWindow),
	}

	unsub, err := m.transport.Subscribe(scope.Subject(), sub.deliver)
	if err != nil {
		return nil, err
	}
	sub.unsub = unsub

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

// NotifyReconnected fires every active subscription's resync callback. Wired
// to the transport's reconnect event; exported for tests and for transports
// that signal reconnection out of band.
func (m *Manager) NotifyReconnected() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	log.Printf("[fanout] transport reconnected, notifying %d subscriptions to resync", len(subs))
	for _, sub := range subs {
		sub.resync()
	}
}

func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
}

// dedupeWindow is how many recently delivered message ids each subscription
// remembers. Transport redeliveries cluster tightly around reconnects, so a
// small window suffices.
const dedupeWindow = 128

// Subscription is a live channel for one subscriber on one scope.
type Subscription struct {
	manager   *Manager
	scope     message.Scope
	userID    string
	onMessage func(message.Message)
	onResync  func()

	mu     sync.Mutex
	seen   *idRing
	unsub  Unsubscriber
	closed bool
}

// Scope returns the conversation scope this subscription covers.
func (s *Subscription) Scope() message.Scope { return s.scope }

// Close releases the channel. It is idempotent: closing an already-closed
// subscription is a no-op.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsub := s.unsub
	s.mu.Unlock()

	s.manager.remove(s)
	if unsub != nil {
		if err := unsub.Unsubscribe(); err != nil {
			return fmt.Errorf("fanout: unsubscribe %s: %w", s.scope, err)
		}
	}
	return nil
}

// deliver handles one raw transport delivery: decode, filter, de-duplicate,
// then hand over to the subscriber. The transport invokes it serially per
// subscription, so append order is preserved end to end.
func (s *Subscription) deliver(data []byte) {
	var msg message.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[fanout] drop undecodable event on %s: %v", s.scope, err)
		return
	}

	// A shared transport must never leak another conversation's messages.
	if msg.Scope.Key() != s.scope.Key() {
		log.Printf("[fanout] drop cross-scope event %s on %s", msg.Scope, s.scope)
		return
	}
	if s.scope.IsDM() && !s.scope.HasParticipant(s.userID) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.seen.contains(msg.ID) {
		s.mu.Unlock()
		metrics.FanoutDeduped.Inc()
		return
	}
	s.seen.add(msg.ID)
	s.mu.Unlock()

	metrics.FanoutDelivered.Inc()
	s.onMessage(msg)
}

func (s *Subscription) resync() {
	s.mu.Lock()
	closed := s.closed
	fn := s.onResync
	s.mu.Unlock()

	if !closed && fn != nil {
		fn()
	}
}

// idRing remembers the last N message ids in a fixed-size circular buffer.
type idRing struct {
	ids   []string
	index map[string]struct{}
	pos   int
}

func newIDRing(size int) *idRing {
	return &idRing{
		ids:   make([]string, size),
		index: make(map[string]struct{}, size),
	}
}

func (r *idRing) contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r *idRing) add(id string) {
	if old := r.ids[r.pos]; old != "" {
		delete(r.index, old)
	}
	r.ids[r.pos] = id
	r.index[id] = struct{}{}
	r.pos = (r.pos + 1) % len(r.ids)
}
