package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/oklog/ulid/v2"
)

// Store is the PostgreSQL-backed append-only message log. One row per
// message, keyed by (scope_key, created_at, id); the composite index makes
// both the newest-window query and the backward cursor query index scans.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies pending
// schema migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("message: open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: database ping failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. Used by tests and by binaries
// that share one handle across stores.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle so sibling stores (trust, profile) can
// share the connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append validates and persists a new message in the given scope. The store
// assigns the id and creation timestamp; room messages also get an expiry of
// now + RoomTTL. The confirmed message is returned.
func (s *Store) Append(ctx context.Context, scope Scope, authorID, body string) (*Message, error) {
	if err := ValidateBody(body); err != nil {
		return nil, err
	}
	if scope.IsZero() {
		return nil, fmt.Errorf("message: append with zero scope")
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	msg := &Message{
		ID:        ulid.Make().String(),
		Scope:     scope,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: now,
	}
	if scope.IsRoom() {
		expiry := now.Add(RoomTTL)
		msg.ExpiresAt = &expiry
	}

	const query = `
		INSERT INTO messages (id, scope_key, author_id, body, created_at, expires_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, false)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, scope.Key(), msg.AuthorID, msg.Body, msg.CreatedAt, msg.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: insert: %v", ErrStoreUnavailable, err)
	}
	return msg, nil
}

// FetchLatest returns the newest messages in the scope, oldest to newest,
// at most limit entries. Used when a conversation is opened and after a
// subscription resync.
func (s *Store) FetchLatest(ctx context.Context, scope Scope, limit int) ([]Message, error) {
	const query = `
		SELECT id, scope_key, author_id, body, created_at, expires_at, read
		FROM messages
		WHERE scope_key = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, scope.Key(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch latest: %v", ErrStoreUnavailable, err)
	}
	return scanReversed(rows)
}

// FetchBefore returns messages strictly older than the cursor timestamp,
// oldest to newest, at most limit entries. An empty slice (not an error)
// means the start of history has been reached. The cursor must be the
// creation timestamp of the oldest message the caller currently holds.
func (s *Store) FetchBefore(ctx context.Context, scope Scope, cursor time.Time, limit int) ([]Message, error) {
	const query = `
		SELECT id, scope_key, author_id, body, created_at, expires_at, read
		FROM messages
		WHERE scope_key = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, scope.Key(), cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch before: %v", ErrStoreUnavailable, err)
	}
	return scanReversed(rows)
}

// MarkRead sets the read flag on every direct message in the scope that was
// sent to the reader. This is the only mutation a confirmed message allows.
func (s *Store) MarkRead(ctx context.Context, scope Scope, readerID string) error {
	if !scope.IsDM() {
		return fmt.Errorf("message: mark read on non-dm scope %s", scope)
	}
	if !scope.HasParticipant(readerID) {
		return fmt.Errorf("message: reader %s is not a participant of %s", readerID, scope)
	}

	const query = `
		UPDATE messages
		SET read = true
		WHERE scope_key = $1 AND author_id <> $2 AND NOT read`

	if _, err := s.db.ExecContext(ctx, query, scope.Key(), readerID); err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SweepExpired deletes room messages past their expiry timestamp and returns
// the number of rows removed. Direct messages carry a NULL expiry and are
// never touched. The delete is a pure predicate, so concurrent sweepers and
// concurrent reads/appends are safe.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	const query = `
		DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at < NOW()`

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// scanReversed reads rows returned newest-first and hands them back
// oldest-first, which is the order every caller renders in.
func scanReversed(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m        Message
			scopeKey string
			expires  sql.NullTime
		)
		if err := rows.Scan(&m.ID, &scopeKey, &m.AuthorID, &m.Body, &m.CreatedAt, &expires, &m.Read); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		scope, err := ParseScopeKey(scopeKey)
		if err != nil {
			return nil, err
		}
		m.Scope = scope
		m.CreatedAt = m.CreatedAt.UTC()
		if expires.Valid {
			t := expires.Time.UTC()
			m.ExpiresAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStoreUnavailable, err)
	}

	// Reverse newest-first into oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
