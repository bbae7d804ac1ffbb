// Package conversation owns conversation lifecycle: opening a room or direct
// thread, backward history pagination, trust- and moderation-gated sends
// with optimistic rendering, live fan-out delivery, and teardown. One
// Session per open conversation view.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/campuslink/chat-core/internal/message"
	"github.com/campuslink/chat-core/internal/metrics"
	"github.com/campuslink/chat-core/internal/moderation"
	"github.com/campuslink/chat-core/internal/optimistic"
	"github.com/campuslink/chat-core/internal/profile"
	"github.com/campuslink/chat-core/internal/trust"
)

var (
	// ErrWriteDenied means the send was refused before reaching the store:
	// trust gate, rate limit, or moderation. User-correctable; the wrapped
	// text carries the reason to surface.
	ErrWriteDenied = errors.New("write denied")

	// ErrSendInFlight means a send is already pending for this session.
	// Submit stays disabled until it resolves; input is never dropped.
	ErrSendInFlight = errors.New("send already in flight")

	// ErrClosed means the session has been closed.
	ErrClosed = errors.New("conversation closed")
)

// DefaultPageSize is the history window fetched on open and per LoadMore.
const DefaultPageSize = 50

// Status is the session's connection state as surfaced to the user.
type Status string

const (
	StatusLive         Status = "live"
	StatusReconnecting Status = "reconnecting"
	StatusDegraded     Status = "degraded" // history visible, sends failing
)

// MessageStore is the slice of the message log the session needs.
type MessageStore interface {
	Append(ctx context.Context, scope message.Scope, authorID, body string) (*message.Message, error)
	FetchLatest(ctx context.Context, scope message.Scope, limit int) ([]message.Message, error)
	FetchBefore(ctx context.Context, scope message.Scope, cursor time.Time, limit int) ([]message.Message, error)
	MarkRead(ctx context.Context, scope message.Scope, readerID string) error
}

// TrustLedger is the slice of the trust ledger the session needs. The score
// is re-read on every send; it must never be cached from open time.
type TrustLedger interface {
	Score(ctx context.Context, userID string) (int, error)
	ApplyAction(ctx context.Context, userID string, action trust.Action) (int, error)
}

// SafetyGate produces a moderation verdict before any append.
type SafetyGate interface {
	CheckSafety(ctx context.Context, text string) moderation.Verdict
}

// Subscription is a live fan-out channel; Close is idempotent.
type Subscription interface {
	Close() error
}

// Fanout establishes live channels and publishes confirmed messages.
type Fanout interface {
	Subscribe(scope message.Scope, userID string, onMessage func(message.Message), onResync func()) (Subscription, error)
	Publish(msg *message.Message) error
}

// SendLimiter throttles sends per user. Implementations fail open.
type SendLimiter interface {
	AllowSend(ctx context.Context, userID string) bool
}

// ProfileResolver batches author display metadata lookups.
type ProfileResolver interface {
	Get(ctx context.Context, ids []string) (map[string]profile.Summary, error)
}

// Deps are the collaborators a session composes. Limiter and Profiles are
// optional; the rest are required.
type Deps struct {
	Store    MessageStore
	Ledger   TrustLedger
	Gate     SafetyGate
	Fanout   Fanout
	Limiter  SendLimiter
	Profiles ProfileResolver
}

// Item is one visible row: either a confirmed message or a pending
// optimistic entry awaiting its server record.
type Item struct {
	ID        string    `json:"id,omitempty"`       // server id; empty while pending
	LocalID   int64     `json:"local_id,omitempty"` // negative temp id; zero once confirmed
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"pending,omitempty"`
	Read      bool      `json:"read,omitempty"`
}

// Snapshot is the read-only reactive state exposed to the rest of the app.
type Snapshot struct {
	Scope          message.Scope `json:"scope"`
	Items          []Item        `json:"items"`
	HasMoreHistory bool          `json:"has_more_history"`
	CanWrite       bool          `json:"can_write"`
	Sending        bool          `json:"sending"`
	Status         Status        `json:"status"`
	ComposeText    string        `json:"compose_text,omitempty"` // restored after a failed send
}

// UpdateFunc observes state changes. Called outside the session lock.
type UpdateFunc func(Snapshot)

// Session is the orchestrator for one open conversation. Its message list is
// mutated only under the session lock — network responses and fan-out
// deliveries arrive as callbacks, never as parallel list writers.
type Session struct {
	deps     Deps
	scope    message.Scope
	userID   string
	pageSize int
	onUpdate UpdateFunc

	mu       sync.Mutex
	msgs     []message.Message
	seen     map[string]struct{}
	outbox   *optimistic.Outbox
	sub      Subscription
	hasMore  bool
	canWrite bool
	sending  bool
	sendStop context.CancelFunc // cancels the in-flight send; nil when idle
	compose  string
	status   Status
	opened   bool
	closed   bool
}

// NewSession creates a session for userID on scope. Call Open before use.
func NewSession(deps Deps, scope message.Scope, userID string, onUpdate UpdateFunc) *Session {
	return &Session{
		deps:     deps,
		scope:    scope,
		userID:   userID,
		pageSize: DefaultPageSize,
		onUpdate: onUpdate,
		seen:     make(map[string]struct{}),
		outbox:   optimistic.NewOutbox(),
		status:   StatusLive,
	}
}

// Open fetches the newest history window and establishes the live channel.
// For direct threads it also marks the thread read for this user.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("conversation: %s already open", s.scope)
	}
	s.opened = true
	s.mu.Unlock()

	if s.scope.IsRoom() && !ValidRoom(s.scope.RoomID()) {
		return fmt.Errorf("conversation: unknown room %q", s.scope.RoomID())
	}
	if s.scope.IsDM() && !s.scope.HasParticipant(s.userID) {
		return fmt.Errorf("conversation: user %s is not a participant of %s", s.userID, s.scope)
	}

	history, err := s.deps.Store.FetchLatest(ctx, s.scope, s.pageSize)
	if err != nil {
		return fmt.Errorf("conversation: open %s: %w", s.scope, err)
	}

	canWrite := false
	if score, err := s.deps.Ledger.Score(ctx, s.userID); err != nil {
		log.Printf("[conversation] score read failed for %s: %v", s.userID, err)
	} else {
		canWrite = trust.CanWrite(score)
	}

	sub, err := s.deps.Fanout.Subscribe(s.scope, s.userID, s.handleEvent, s.handleResync)
	if err != nil {
		return fmt.Errorf("conversation: subscribe %s: %w", s.scope, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	s.sub = sub
	// A delivery can land between Subscribe returning and this point;
	// handleEvent has already inserted it, so the fetched window merges
	// around it rather than replacing the list.
	for _, m := range history {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.insertOrdered(m)
	}
	s.hasMore = len(history) == s.pageSize
	s.canWrite = canWrite
	s.mu.Unlock()

	if s.scope.IsDM() {
		if err := s.deps.Store.MarkRead(ctx, s.scope, s.userID); err != nil {
			log.Printf("[conversation] mark read %s: %v", s.scope, err)
		}
	}

	metrics.OpenConversations.Inc()
	s.notify()
	return nil
}

// LoadMore fetches the page strictly older than the oldest confirmed message
// currently held and prepends it. The cursor is always that message's
// creation timestamp, never recomputed from a partial window. An empty page
// flips hasMoreHistory off. The caller's scroll anchor must not jump; the
// returned count tells the view how many rows were prepended above it.
func (s *Session) LoadMore(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if len(s.msgs) == 0 || !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	cursor := s.msgs[0].CreatedAt
	s.mu.Unlock()

	older, err := s.deps.Store.FetchBefore(ctx, s.scope, cursor, s.pageSize)
	if err != nil {
		// Pagination is retryable; one automatic retry before surfacing.
		older, err = s.deps.Store.FetchBefore(ctx, s.scope, cursor, s.pageSize)
		if err != nil {
			return 0, fmt.Errorf("conversation: load more %s: %w", s.scope, err)
		}
	}

	s.mu.Lock()
	added := 0
	if len(older) == 0 {
		s.hasMore = false
	} else {
		fresh := make([]message.Message, 0, len(older))
		for _, m := range older {
			if _, dup := s.seen[m.ID]; dup {
				continue
			}
			s.seen[m.ID] = struct{}{}
			fresh = append(fresh, m)
		}
		s.msgs = append(fresh, s.msgs...)
		added = len(fresh)
		s.hasMore = len(older) == s.pageSize
	}
	s.mu.Unlock()

	s.notify()
	return added, nil
}

// Send drives one message through the gate chain: trust, rate limit,
// moderation, append. The text renders immediately as a pending item and is
// reconciled on confirmation or rolled back on failure. Only one send may be
// in flight; callers disable submit while Sending is true. A failed send
// restores the compose text in the snapshot. Sends are never auto-retried.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sending {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.sending = true
	s.compose = ""
	// Close cancels this context so a blocked safety check or append does
	// not outlive the view that submitted it.
	sendCtx, cancel := context.WithCancel(ctx)
	s.sendStop = cancel
	entry := s.outbox.Submit(s.userID, text)
	s.mu.Unlock()

	s.notify()

	err := s.doSend(sendCtx, entry, text)
	cancel()

	s.mu.Lock()
	s.sending = false
	s.sendStop = nil
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Session) doSend(ctx context.Context, entry optimistic.Entry, text string) error {
	start := time.Now()

	// Trust gate, evaluated fresh at send time. On a read failure the send
	// degrades to denied rather than guessing.
	score, err := s.deps.Ledger.Score(ctx, s.userID)
	if err != nil {
		s.rollback(entry, text)
		metrics.MessagesTotal.WithLabelValues("store_error").Inc()
		return fmt.Errorf("conversation: send: %w", err)
	}
	s.setCanWrite(trust.CanWrite(score))
	if !trust.CanWrite(score) {
		s.rollback(entry, text)
		metrics.MessagesTotal.WithLabelValues("denied_trust").Inc()
		return fmt.Errorf("%w: account is restricted from sending", ErrWriteDenied)
	}

	if s.deps.Limiter != nil && !s.deps.Limiter.AllowSend(ctx, s.userID) {
		s.rollback(entry, text)
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: sending too fast, slow down", ErrWriteDenied)
	}

	// Synchronous moderation: no append before a verdict. The caller shows a
	// "checking" state for the duration; ctx cancellation aborts the call.
	verdict := s.deps.Gate.CheckSafety(ctx, text)
	if err := ctx.Err(); err != nil {
		// The view went away mid-check; nothing may reach the store.
		s.rollback(entry, text)
		return fmt.Errorf("conversation: send: %w", err)
	}
	if !verdict.Safe {
		s.rollback(entry, text)
		s.applyActionAsync(trust.ActionToxicContent)
		metrics.MessagesTotal.WithLabelValues("denied_moderation").Inc()
		return fmt.Errorf("%w: %s", ErrWriteDenied, verdict.Reason)
	}

	msg, err := s.deps.Store.Append(ctx, s.scope, s.userID, text)
	if err != nil {
		s.rollback(entry, text)
		metrics.MessagesTotal.WithLabelValues("store_error").Inc()
		return fmt.Errorf("conversation: send: %w", err)
	}

	// The message is delivered. Ledger bookkeeping and fan-out failures are
	// logged and retried, never rolled back onto the message.
	s.confirm(entry, msg)
	s.applyActionAsync(trust.ActionMessageSent)
	if err := s.deps.Fanout.Publish(msg); err != nil {
		log.Printf("[conversation] fanout publish %s: %v", msg.ID, err)
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return nil
}

// confirm swaps the pending entry for the server record, unless the fan-out
// echo already did. The visible list never holds both.
func (s *Session) confirm(entry optimistic.Entry, msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[msg.ID]; dup {
		// Echo arrived first and was reconciled in handleEvent.
		s.outbox.Confirm(entry.LocalID)
		return
	}
	if _, ok := s.outbox.Confirm(entry.LocalID); !ok {
		// Already resolved by echo matching; the record is in the list.
		return
	}
	s.seen[msg.ID] = struct{}{}
	s.insertOrdered(*msg)
}

// rollback removes the pending entry and restores the compose text so the
// user can correct and resend.
func (s *Session) rollback(entry optimistic.Entry, text string) {
	s.mu.Lock()
	s.outbox.Fail(entry.LocalID)
	s.compose = text
	s.mu.Unlock()
}

// applyActionAsync records a ledger action without blocking the send path.
// Failures are logged and retried a few times; they never affect delivery.
func (s *Session) applyActionAsync(action trust.Action) {
	userID := s.userID
	ledger := s.deps.Ledger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			if _, err = ledger.ApplyAction(ctx, userID, action); err == nil {
				return
			}
			if errors.Is(err, trust.ErrUserNotFound) {
				break // data error, retrying cannot help
			}
			time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
		}
		log.Printf("[conversation] ledger %s for %s failed: %v", action, userID, err)
	}()
}

// handleEvent receives one fan-out delivery. Our own echo is recognised by
// author + body + coarse submission time (temporary ids never match server
// ids) and replaces the pending row instead of rendering a duplicate.
func (s *Session) handleEvent(msg message.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	if msg.AuthorID == s.userID {
		s.outbox.MatchEcho(msg.AuthorID, msg.Body, msg.CreatedAt)
	}
	s.seen[msg.ID] = struct{}{}
	s.insertOrdered(msg)
	s.mu.Unlock()

	s.notify()
}

// handleResync runs after a transport reconnect: the live channel only
// guarantees delivery going forward, so the missed window is reconciled from
// the store's newest page.
func (s *Session) handleResync() {
	s.setStatus(StatusReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	latest, err := s.deps.Store.FetchLatest(ctx, s.scope, s.pageSize)
	if err != nil {
		log.Printf("[conversation] resync %s: %v", s.scope, err)
		s.setStatus(StatusDegraded)
		return
	}

	s.mu.Lock()
	for _, m := range latest {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		if m.AuthorID == s.userID {
			s.outbox.MatchEcho(m.AuthorID, m.Body, m.CreatedAt)
		}
		s.seen[m.ID] = struct{}{}
		s.insertOrdered(m)
	}
	s.status = StatusLive
	s.mu.Unlock()

	s.notify()
}

// insertOrdered places msg into the confirmed list preserving the total
// order (created_at, id). Fan-out delivers in append order, so this almost
// always appends; resync merges are the exception. Caller holds s.mu.
func (s *Session) insertOrdered(msg message.Message) {
	i := len(s.msgs)
	for i > 0 && msg.Less(&s.msgs[i-1]) {
		i--
	}
	s.msgs = append(s.msgs, message.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = msg
}

// Close tears the session down: the live channel is released and any
// in-flight compose action has its context cancelled. Idempotent. A send
// that already reached the store before Close may still persist its message
// server-side; this view simply never renders it — the next Open fetches it
// with the latest window.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	cancel := s.sendStop
	s.sendStop = nil
	wasOpened := s.opened
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if wasOpened {
		metrics.OpenConversations.Dec()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Snapshot returns the current reactive state: confirmed history followed by
// pending optimistic rows.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Item, 0, len(s.msgs)+4)
	for _, m := range s.msgs {
		items = append(items, Item{
			ID:        m.ID,
			AuthorID:  m.AuthorID,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
			Read:      m.Read,
		})
	}
	for _, e := range s.outbox.Pending() {
		items = append(items, Item{
			LocalID:   e.LocalID,
			AuthorID:  e.AuthorID,
			Body:      e.Body,
			CreatedAt: e.SubmittedAt,
			Pending:   true,
		})
	}

	return Snapshot{
		Scope:          s.scope,
		Items:          items,
		HasMoreHistory: s.hasMore,
		CanWrite:       s.canWrite,
		Sending:        s.sending,
		Status:         s.status,
		ComposeText:    s.compose,
	}
}

// Authors resolves display metadata for every author in the visible list,
// batched through the profile cache. Returns an empty map when no resolver
// is configured.
func (s *Session) Authors(ctx context.Context) (map[string]profile.Summary, error) {
	if s.deps.Profiles == nil {
		return map[string]profile.Summary{}, nil
	}

	s.mu.Lock()
	idSet := make(map[string]struct{})
	for _, m := range s.msgs {
		idSet[m.AuthorID] = struct{}{}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	return s.deps.Profiles.Get(ctx, ids)
}

func (s *Session) setCanWrite(v bool) {
	s.mu.Lock()
	s.canWrite = v
	s.mu.Unlock()
}

func (s *Session) setStatus(v Status) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.onUpdate == nil {
		return
	}
	s.onUpdate(s.Snapshot())
}
