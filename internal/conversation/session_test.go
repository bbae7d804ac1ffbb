package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/campuslink/chat-core/internal/message"
	"github.com/campuslink/chat-core/internal/moderation"
	"github.com/campuslink/chat-core/internal/profile"
	"github.com/campuslink/chat-core/internal/trust"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeStore is an in-memory message log with the same ordering and cursor
// semantics as the real store.
type fakeStore struct {
	mu        sync.Mutex
	msgs      map[string][]message.Message // scope key -> append order
	nextID    int
	clock     time.Time
	appendErr error
	fetchErrs int // countdown of FetchBefore/FetchLatest failures
	readCalls []string
	onAppend  func(*message.Message) // runs before Append returns
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		msgs:  make(map[string][]message.Message),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) Append(ctx context.Context, scope message.Scope, authorID, body string) (*message.Message, error) {
	f.mu.Lock()
	if f.appendErr != nil {
		err := f.appendErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	msg := message.Message{
		ID:        fmt.Sprintf("srv-%03d", f.nextID),
		Scope:     scope,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: f.clock,
	}
	f.msgs[scope.Key()] = append(f.msgs[scope.Key()], msg)
	hook := f.onAppend
	f.mu.Unlock()

	if hook != nil {
		hook(&msg)
	}
	return &msg, nil
}

func (f *fakeStore) FetchLatest(ctx context.Context, scope message.Scope, limit int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErrs > 0 {
		f.fetchErrs--
		return nil, errors.New("store unavailable")
	}
	all := f.msgs[scope.Key()]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]message.Message{}, all...), nil
}

func (f *fakeStore) FetchBefore(ctx context.Context, scope message.Scope, cursor time.Time, limit int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErrs > 0 {
		f.fetchErrs--
		return nil, errors.New("store unavailable")
	}
	var older []message.Message
	for _, m := range f.msgs[scope.Key()] {
		if m.CreatedAt.Before(cursor) {
			older = append(older, m)
		}
	}
	if len(older) > limit {
		older = older[len(older)-limit:]
	}
	return older, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, scope message.Scope, readerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, scope.Key()+"/"+readerID)
	return nil
}

// seed appends n messages directly, bypassing the send path.
func (f *fakeStore) seed(scope message.Scope, author string, n int) {
	for i := 0; i < n; i++ {
		f.Append(context.Background(), scope, author, fmt.Sprintf("seed %d", i))
	}
}

type fakeLedger struct {
	mu      sync.Mutex
	scores  map[string]int
	applied []trust.Action
	err     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{scores: map[string]int{}}
}

func (f *fakeLedger) Score(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	score, ok := f.scores[userID]
	if !ok {
		return 0, trust.ErrUserNotFound
	}
	return score, nil
}

func (f *fakeLedger) ApplyAction(ctx context.Context, userID string, action trust.Action) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, action)
	return f.scores[userID], nil
}

func (f *fakeLedger) actions() []trust.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trust.Action{}, f.applied...)
}

type fakeGate struct {
	mu      sync.Mutex
	verdict moderation.Verdict
	block   chan struct{} // if non-nil, CheckSafety waits on it
}

func (f *fakeGate) CheckSafety(ctx context.Context, text string) moderation.Verdict {
	f.mu.Lock()
	block := f.block
	v := f.verdict
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return v
}

type fakeSub struct {
	mu     sync.Mutex
	closes int
}

func (f *fakeSub) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

type fakeFanout struct {
	mu          sync.Mutex
	sub         *fakeSub
	onMessage   func(message.Message)
	onResync    func()
	published   []message.Message
	subErr      error
	onSubscribe func(deliver func(message.Message)) // runs inside Subscribe
}

func (f *fakeFanout) Subscribe(scope message.Scope, userID string, onMessage func(message.Message), onResync func()) (Subscription, error) {
	f.mu.Lock()
	if f.subErr != nil {
		f.mu.Unlock()
		return nil, f.subErr
	}
	f.sub = &fakeSub{}
	f.onMessage = onMessage
	f.onResync = onResync
	hook := f.onSubscribe
	sub := f.sub
	f.mu.Unlock()

	if hook != nil {
		hook(onMessage)
	}
	return sub, nil
}

func (f *fakeFanout) Publish(msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, *msg)
	return nil
}

// echo replays a published message back through the live channel, the way
// the transport delivers the sender's own append.
func (f *fakeFanout) echo(msg message.Message) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

type fakeLimiter struct{ allow bool }

func (f *fakeLimiter) AllowSend(ctx context.Context, userID string) bool { return f.allow }

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	store  *fakeStore
	ledger *fakeLedger
	gate   *fakeGate
	fanout *fakeFanout
	deps   Deps
}

func newHarness() *harness {
	h := &harness{
		store:  newFakeStore(),
		ledger: newFakeLedger(),
		gate:   &fakeGate{verdict: moderation.Verdict{Safe: true}},
		fanout: &fakeFanout{},
	}
	h.ledger.scores["u1"] = trust.DefaultScore
	h.deps = Deps{
		Store:   h.store,
		Ledger:  h.ledger,
		Gate:    h.gate,
		Fanout:  h.fanout,
		Limiter: &fakeLimiter{allow: true},
	}
	return h
}

func openSession(t *testing.T, h *harness, scope message.Scope, userID string) *Session {
	t.Helper()
	s := NewSession(h.deps, scope, userID, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// bodies extracts the visible row bodies from a snapshot.
func bodies(snap Snapshot) []string {
	out := make([]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		out = append(out, it.Body)
	}
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen_LoadsNewestWindow(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 60)

	s := openSession(t, h, scope, "u1")
	snap := s.Snapshot()

	if len(snap.Items) != DefaultPageSize {
		t.Errorf("opened with %d items, want %d", len(snap.Items), DefaultPageSize)
	}
	if !snap.HasMoreHistory {
		t.Error("full first page should report more history")
	}
	if !snap.CanWrite {
		t.Error("default-score user should be able to write")
	}
	if snap.Status != StatusLive {
		t.Errorf("status = %s, want %s", snap.Status, StatusLive)
	}
	// Newest window, oldest first.
	if snap.Items[len(snap.Items)-1].Body != "seed 59" {
		t.Errorf("last item = %q, want newest seed", snap.Items[len(snap.Items)-1].Body)
	}
}

func TestOpen_ShortHistoryHasNoMore(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 3)

	s := openSession(t, h, scope, "u1")
	if snap := s.Snapshot(); snap.HasMoreHistory {
		t.Error("partial first page should not report more history")
	}
}

func TestOpen_UnknownRoomRejected(t *testing.T) {
	h := newHarness()
	s := NewSession(h.deps, message.RoomScope("does-not-exist"), "u1", nil)
	if err := s.Open(context.Background()); err == nil {
		t.Error("Open accepted an unknown room")
	}
}

func TestOpen_DMOutsiderRejected(t *testing.T) {
	h := newHarness()
	s := NewSession(h.deps, message.DMScope("u2", "u3"), "u1", nil)
	if err := s.Open(context.Background()); err == nil {
		t.Error("Open accepted a non-participant on a direct thread")
	}
}

func TestOpen_DMMarksRead(t *testing.T) {
	h := newHarness()
	scope := message.DMScope("u1", "u2")
	h.store.seed(scope, "u2", 2)

	openSession(t, h, scope, "u1")

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.readCalls) != 1 || h.store.readCalls[0] != scope.Key()+"/u1" {
		t.Errorf("readCalls = %v, want one mark-read by u1", h.store.readCalls)
	}
}

func TestOpen_RestrictedUserSeesHistoryReadOnly(t *testing.T) {
	h := newHarness()
	h.ledger.scores["u1"] = 100
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 5)

	s := openSession(t, h, scope, "u1")
	snap := s.Snapshot()
	if snap.CanWrite {
		t.Error("restricted user should not be able to write")
	}
	if len(snap.Items) != 5 {
		t.Errorf("restricted user sees %d items, want full history", len(snap.Items))
	}
}

func TestOpen_DeliveryDuringSubscribeIsKept(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 3)

	// A message appended after the history fetch is delivered while the
	// subscribe round-trip is still in flight. It must survive the history
	// install and render exactly once.
	racer := message.Message{
		ID: "live-racer", Scope: scope, AuthorID: "u2", Body: "racer",
		CreatedAt: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}
	h.fanout.onSubscribe = func(deliver func(message.Message)) {
		deliver(racer)
	}

	s := openSession(t, h, scope, "u1")

	got := bodies(s.Snapshot())
	want := []string{"seed 0", "seed 1", "seed 2", "racer"}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// The transport redelivers the same id; it stays a single row.
	h.fanout.echo(racer)
	if got := bodies(s.Snapshot()); len(got) != 4 {
		t.Errorf("items = %v after redelivery, want no duplicate", got)
	}
}

// ---------------------------------------------------------------------------
// Send and optimistic reconciliation
// ---------------------------------------------------------------------------

func TestSend_ConfirmsAndPublishes(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snap := s.Snapshot()
	if got := bodies(snap); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("items = %v, want exactly [hello]", got)
	}
	if snap.Items[0].Pending {
		t.Error("confirmed message still marked pending")
	}
	if snap.Items[0].ID == "" {
		t.Error("confirmed message missing server id")
	}
	if snap.Sending {
		t.Error("sending flag stuck after completion")
	}

	h.fanout.mu.Lock()
	published := len(h.fanout.published)
	h.fanout.mu.Unlock()
	if published != 1 {
		t.Errorf("published %d messages, want 1", published)
	}

	waitFor(t, func() bool {
		for _, a := range h.ledger.actions() {
			if a == trust.ActionMessageSent {
				return true
			}
		}
		return false
	})
}

func TestSend_EchoAfterConfirmIsNotDuplicated(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The transport now delivers the sender's own message.
	h.fanout.mu.Lock()
	echo := h.fanout.published[0]
	h.fanout.mu.Unlock()
	h.fanout.echo(echo)

	if got := bodies(s.Snapshot()); len(got) != 1 || got[0] != "hello" {
		t.Errorf("items = %v, want exactly [hello] after echo", got)
	}
}

func TestSend_EchoBeforeAppendReturnsIsReconciled(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	// Deliver the fan-out echo before Append returns to the session.
	h.store.onAppend = func(msg *message.Message) {
		h.fanout.echo(*msg)
	}

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snap := s.Snapshot()
	if got := bodies(snap); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("items = %v, want exactly [hello]", got)
	}
	if snap.Items[0].Pending {
		t.Error("reconciled message still marked pending")
	}
}

func TestSend_IdenticalTextsStayDistinct(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	for i := 0; i < 2; i++ {
		if err := s.Send(context.Background(), "same words"); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	h.fanout.mu.Lock()
	echoes := append([]message.Message{}, h.fanout.published...)
	h.fanout.mu.Unlock()
	for _, e := range echoes {
		h.fanout.echo(e)
	}

	if got := bodies(s.Snapshot()); len(got) != 2 {
		t.Errorf("items = %v, want both identical messages kept", got)
	}
}

func TestSend_DeniedByTrust(t *testing.T) {
	h := newHarness()
	h.ledger.scores["u1"] = 100
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	err := s.Send(context.Background(), "let me in")
	if !errors.Is(err, ErrWriteDenied) {
		t.Fatalf("Send error = %v, want ErrWriteDenied", err)
	}

	snap := s.Snapshot()
	if len(snap.Items) != 0 {
		t.Errorf("items = %v, want pending row rolled back", bodies(snap))
	}
	if snap.ComposeText != "let me in" {
		t.Errorf("compose = %q, want original text restored", snap.ComposeText)
	}
	if snap.CanWrite {
		t.Error("snapshot should reflect the refreshed write denial")
	}
	h.store.mu.Lock()
	stored := len(h.store.msgs[scope.Key()])
	h.store.mu.Unlock()
	if stored != 0 {
		t.Error("denied send reached the store")
	}
}

func TestSend_ScoreDroppedSinceOpen(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")
	if !s.Snapshot().CanWrite {
		t.Fatal("precondition: user starts writable")
	}

	// Moderation action elsewhere drops the score below the threshold
	// between open and send.
	h.ledger.mu.Lock()
	h.ledger.scores["u1"] = 250
	h.ledger.mu.Unlock()

	if err := s.Send(context.Background(), "still here?"); !errors.Is(err, ErrWriteDenied) {
		t.Errorf("Send error = %v, want ErrWriteDenied from fresh evaluation", err)
	}
}

func TestSend_DeniedByModeration(t *testing.T) {
	h := newHarness()
	h.gate.verdict = moderation.Verdict{Safe: false, Reason: "links are not allowed"}
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	err := s.Send(context.Background(), "visit evil.com/free")
	if !errors.Is(err, ErrWriteDenied) {
		t.Fatalf("Send error = %v, want ErrWriteDenied", err)
	}

	snap := s.Snapshot()
	if len(snap.Items) != 0 {
		t.Error("denied message still rendered")
	}
	if snap.ComposeText != "visit evil.com/free" {
		t.Errorf("compose = %q, want original text restored", snap.ComposeText)
	}
	h.store.mu.Lock()
	stored := len(h.store.msgs[scope.Key()])
	h.store.mu.Unlock()
	if stored != 0 {
		t.Error("denied send reached the store")
	}

	waitFor(t, func() bool {
		for _, a := range h.ledger.actions() {
			if a == trust.ActionToxicContent {
				return true
			}
		}
		return false
	})
}

func TestSend_RateLimited(t *testing.T) {
	h := newHarness()
	h.deps.Limiter = &fakeLimiter{allow: false}
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	if err := s.Send(context.Background(), "spam"); !errors.Is(err, ErrWriteDenied) {
		t.Errorf("Send error = %v, want ErrWriteDenied", err)
	}
	if snap := s.Snapshot(); snap.ComposeText != "spam" {
		t.Errorf("compose = %q, want original text restored", snap.ComposeText)
	}
}

func TestSend_StoreErrorRollsBack(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")
	h.store.mu.Lock()
	h.store.appendErr = errors.New("connection reset")
	h.store.mu.Unlock()

	err := s.Send(context.Background(), "lost?")
	if err == nil {
		t.Fatal("Send succeeded against a failing store")
	}
	if errors.Is(err, ErrWriteDenied) {
		t.Error("store failure reported as a write denial")
	}
	snap := s.Snapshot()
	if len(snap.Items) != 0 {
		t.Error("failed message still rendered")
	}
	if snap.ComposeText != "lost?" {
		t.Errorf("compose = %q, want original text restored", snap.ComposeText)
	}
}

func TestSend_OneInFlight(t *testing.T) {
	h := newHarness()
	h.gate.block = make(chan struct{})
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "first") }()

	waitFor(t, func() bool { return s.Snapshot().Sending })

	if err := s.Send(context.Background(), "second"); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("second Send error = %v, want ErrSendInFlight", err)
	}

	close(h.gate.block)
	if err := <-done; err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if got := bodies(s.Snapshot()); len(got) != 1 || got[0] != "first" {
		t.Errorf("items = %v, want only the first message", got)
	}
}

// ---------------------------------------------------------------------------
// Pagination
// ---------------------------------------------------------------------------

func TestLoadMore_PrependsOlderPage(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 120)
	s := openSession(t, h, scope, "u1")

	added, err := s.LoadMore(context.Background())
	if err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if added != DefaultPageSize {
		t.Errorf("added = %d, want %d", added, DefaultPageSize)
	}

	snap := s.Snapshot()
	if len(snap.Items) != 2*DefaultPageSize {
		t.Fatalf("items = %d, want %d", len(snap.Items), 2*DefaultPageSize)
	}
	if snap.Items[0].Body != "seed 20" {
		t.Errorf("oldest item = %q, want seed 20", snap.Items[0].Body)
	}
	// No duplicates across page boundaries.
	ids := make(map[string]bool)
	for _, it := range snap.Items {
		if ids[it.ID] {
			t.Fatalf("duplicate id %s across pages", it.ID)
		}
		ids[it.ID] = true
	}
	if !snap.HasMoreHistory {
		t.Error("still 20 older messages, HasMoreHistory should hold")
	}
}

func TestLoadMore_StopsAtStartOfHistory(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 55)
	s := openSession(t, h, scope, "u1")

	if _, err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	// All 55 are loaded; one more call gets an empty page.
	if _, err := s.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Items) != 55 {
		t.Errorf("items = %d, want 55", len(snap.Items))
	}
	if snap.HasMoreHistory {
		t.Error("HasMoreHistory should flip off at the start of history")
	}
	// Further calls are no-ops, not errors.
	if added, err := s.LoadMore(context.Background()); err != nil || added != 0 {
		t.Errorf("LoadMore past start = (%d, %v), want (0, nil)", added, err)
	}
}

func TestLoadMore_RetriesOnceOnFailure(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 60)
	s := openSession(t, h, scope, "u1")

	h.store.mu.Lock()
	h.store.fetchErrs = 1
	h.store.mu.Unlock()

	added, err := s.LoadMore(context.Background())
	if err != nil {
		t.Fatalf("LoadMore should retry a single failure: %v", err)
	}
	if added != 10 {
		t.Errorf("added = %d, want the remaining 10", added)
	}
}

func TestLoadMore_SurfacesRepeatedFailure(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 60)
	s := openSession(t, h, scope, "u1")

	h.store.mu.Lock()
	h.store.fetchErrs = 2
	h.store.mu.Unlock()

	if _, err := s.LoadMore(context.Background()); err == nil {
		t.Error("LoadMore swallowed a persistent failure")
	}
	// Held messages are untouched.
	if got := len(s.Snapshot().Items); got != DefaultPageSize {
		t.Errorf("items = %d after failed load, want untouched %d", got, DefaultPageSize)
	}
}

// ---------------------------------------------------------------------------
// Live delivery and resync
// ---------------------------------------------------------------------------

func TestHandleEvent_AppendsInOrder(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	base := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		h.fanout.echo(message.Message{
			ID:        fmt.Sprintf("live-%d", i),
			Scope:     scope,
			AuthorID:  "u2",
			Body:      fmt.Sprintf("live %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	got := bodies(s.Snapshot())
	want := []string{"live 0", "live 1", "live 2"}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHandleEvent_DuplicateDeliveryIgnored(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	msg := message.Message{
		ID: "live-1", Scope: scope, AuthorID: "u2", Body: "once",
		CreatedAt: time.Now().UTC(),
	}
	h.fanout.echo(msg)
	h.fanout.echo(msg)

	if got := bodies(s.Snapshot()); len(got) != 1 {
		t.Errorf("items = %v, want the duplicate dropped", got)
	}
}

func TestResync_MergesMissedWindow(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 3)
	s := openSession(t, h, scope, "u1")

	// Messages land in the store while the transport is down.
	h.store.seed(scope, "u2", 2)

	h.fanout.onResync()

	snap := s.Snapshot()
	if len(snap.Items) != 5 {
		t.Errorf("items = %d after resync, want 5", len(snap.Items))
	}
	if snap.Status != StatusLive {
		t.Errorf("status = %s after resync, want %s", snap.Status, StatusLive)
	}
}

func TestResync_FailureDegrades(t *testing.T) {
	h := newHarness()
	scope := message.RoomScope("general")
	s := openSession(t, h, scope, "u1")

	h.store.mu.Lock()
	h.store.fetchErrs = 1
	h.store.mu.Unlock()

	h.fanout.onResync()

	if got := s.Snapshot().Status; got != StatusDegraded {
		t.Errorf("status = %s, want %s", got, StatusDegraded)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestClose_Idempotent(t *testing.T) {
	h := newHarness()
	s := openSession(t, h, message.RoomScope("general"), "u1")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	h.fanout.sub.mu.Lock()
	closes := h.fanout.sub.closes
	h.fanout.sub.mu.Unlock()
	if closes != 1 {
		t.Errorf("subscription closed %d times, want 1", closes)
	}
}

// cancelWatchGate blocks inside the safety check until its context is
// cancelled, recording that the cancellation was observed.
type cancelWatchGate struct {
	cancelled chan struct{}
}

func (g *cancelWatchGate) CheckSafety(ctx context.Context, text string) moderation.Verdict {
	<-ctx.Done()
	close(g.cancelled)
	return moderation.Verdict{Safe: true}
}

func TestClose_CancelsInFlightSend(t *testing.T) {
	h := newHarness()
	gate := &cancelWatchGate{cancelled: make(chan struct{})}
	h.deps.Gate = gate
	s := openSession(t, h, message.RoomScope("general"), "u1")

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "going nowhere") }()
	waitFor(t, func() bool { return s.Snapshot().Sending })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-gate.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight safety check never observed cancellation after Close")
	}
	<-done
}

func TestClosedSession_RejectsOperations(t *testing.T) {
	h := newHarness()
	s := openSession(t, h, message.RoomScope("general"), "u1")
	s.Close()

	if err := s.Send(context.Background(), "too late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
	if _, err := s.LoadMore(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadMore after close = %v, want ErrClosed", err)
	}
	// Late deliveries are dropped silently.
	h.fanout.echo(message.Message{ID: "late", Scope: s.scope, AuthorID: "u2", Body: "late"})
}

func TestSnapshot_PendingRowsFollowHistory(t *testing.T) {
	h := newHarness()
	h.gate.block = make(chan struct{})
	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 2)
	s := openSession(t, h, scope, "u1")

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "in flight") }()
	waitFor(t, func() bool { return s.Snapshot().Sending })

	snap := s.Snapshot()
	if len(snap.Items) != 3 {
		t.Fatalf("items = %d, want 2 confirmed + 1 pending", len(snap.Items))
	}
	last := snap.Items[2]
	if !last.Pending || last.LocalID >= 0 || last.Body != "in flight" {
		t.Errorf("pending row = %+v, want negative local id and pending flag", last)
	}

	close(h.gate.block)
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Authors
// ---------------------------------------------------------------------------

type mapResolver struct {
	mu    sync.Mutex
	calls [][]string
	known map[string]profile.Summary
}

func (r *mapResolver) Get(ctx context.Context, ids []string) (map[string]profile.Summary, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{}, ids...))
	r.mu.Unlock()
	out := make(map[string]profile.Summary)
	for _, id := range ids {
		if s, ok := r.known[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func TestAuthors_BatchesDistinctIDs(t *testing.T) {
	h := newHarness()
	resolver := &mapResolver{known: map[string]profile.Summary{
		"u2": {ID: "u2", DisplayName: "Lin"},
		"u3": {ID: "u3", DisplayName: "Sam"},
	}}
	h.deps.Profiles = resolver

	scope := message.RoomScope("general")
	h.store.seed(scope, "u2", 3)
	h.store.seed(scope, "u3", 2)
	s := openSession(t, h, scope, "u1")

	got, err := s.Authors(context.Background())
	if err != nil {
		t.Fatalf("Authors: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("resolved %d authors, want 2", len(got))
	}
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if len(resolver.calls) != 1 {
		t.Fatalf("resolver called %d times, want 1 batched call", len(resolver.calls))
	}
	if len(resolver.calls[0]) != 2 {
		t.Errorf("batch = %v, want the 2 distinct author ids", resolver.calls[0])
	}
}

func TestAuthors_NoResolverConfigured(t *testing.T) {
	h := newHarness()
	s := openSession(t, h, message.RoomScope("general"), "u1")

	got, err := s.Authors(context.Background())
	if err != nil {
		t.Fatalf("Authors: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d authors without a resolver, want empty map", len(got))
	}
}
