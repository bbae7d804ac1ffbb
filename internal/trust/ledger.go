package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/campuslink/chat-core/internal/metrics"
)

// ErrUserNotFound means the user has no ledger row. This is a data error on
// the caller's side; it is never retried.
var ErrUserNotFound = errors.New("trust: user not found")

// ErrUnknownAction means the action is not in the configured table.
var ErrUnknownAction = errors.New("trust: unknown action")

// maxCASRetries bounds the compare-and-swap retry loop under contention.
const maxCASRetries = 5

// TierChangeFunc observes tier transitions. It is called synchronously after
// the score update commits, so implementations should be quick.
type TierChangeFunc func(userID string, from, to Tier, score int)

// Ledger is the authoritative trust score store. Score updates are
// read-modify-write cycles made atomic by a conditional UPDATE keyed on the
// previously read value, retried on conflict; lost updates under concurrent
// actions on the same user cannot occur.
type Ledger struct {
	db           *sql.DB
	actions      ActionTable
	onTierChange TierChangeFunc
}

// NewLedger creates a ledger over the given database handle and action table.
func NewLedger(db *sql.DB, actions ActionTable) *Ledger {
	return &Ledger{db: db, actions: actions}
}

// OnTierChange registers the tier transition observer. Pass nil to clear.
func (l *Ledger) OnTierChange(fn TierChangeFunc) {
	l.onTierChange = fn
}

// EnsureUser creates the user's ledger row at the default score if it does
// not exist yet. Existing rows are left untouched.
func (l *Ledger) EnsureUser(ctx context.Context, userID string) error {
	const query = `
		INSERT INTO trust_scores (user_id, score)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := l.db.ExecContext(ctx, query, userID, DefaultScore); err != nil {
		return fmt.Errorf("trust: ensure user: %w", err)
	}
	return nil
}

// Score returns the user's current trust score.
func (l *Ledger) Score(ctx context.Context, userID string) (int, error) {
	const query = `SELECT score FROM trust_scores WHERE user_id = $1`

	var score int
	err := l.db.QueryRowContext(ctx, query, userID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("trust: read score: %w", err)
	}
	return score, nil
}

// CanUserWrite reports whether the user's current score permits sending.
// Evaluated fresh on every call; callers must not cache the result across
// sends, since the score can change between renders.
func (l *Ledger) CanUserWrite(ctx context.Context, userID string) (bool, error) {
	score, err := l.Score(ctx, userID)
	if err != nil {
		return false, err
	}
	return CanWrite(score), nil
}

// ApplyAction applies the named action's delta to the user's score, clamped
// to [MinScore, MaxScore], and returns the new score. Negative deltas bump
// the infractions counter, positive ones the rewards counter; the counters
// are observational only and never read back for gating.
func (l *Ledger) ApplyAction(ctx context.Context, userID string, action Action) (int, error) {
	delta, ok := l.actions[action]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := l.Score(ctx, userID)
		if err != nil {
			return 0, err
		}

		next := applyDelta(current, delta)

		infractions, rewards := 0, 0
		if delta < 0 {
			infractions = 1
		} else if delta > 0 {
			rewards = 1
		}

		// Conditional update keyed on the score we read. Zero rows means a
		// concurrent writer got there first; re-read and retry.
		const query = `
			UPDATE trust_scores
			SET score = $3,
			    infractions = infractions + $4,
			    rewards = rewards + $5
			WHERE user_id = $1 AND score = $2`

		res, err := l.db.ExecContext(ctx, query, userID, current, next, infractions, rewards)
		if err != nil {
			return 0, fmt.Errorf("trust: apply action %s: %w", action, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("trust: apply action %s: %w", action, err)
		}
		if n == 0 {
			metrics.LedgerConflicts.Inc()
			continue
		}

		l.observeTransition(userID, current, next)
		return next, nil
	}

	return 0, fmt.Errorf("trust: apply action %s for %s: gave up after %d conflicts",
		action, userID, maxCASRetries)
}

// Counters returns the user's infractions and rewards counters.
func (l *Ledger) Counters(ctx context.Context, userID string) (infractions, rewards int64, err error) {
	const query = `SELECT infractions, rewards FROM trust_scores WHERE user_id = $1`

	err = l.db.QueryRowContext(ctx, query, userID).Scan(&infractions, &rewards)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrUserNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("trust: read counters: %w", err)
	}
	return infractions, rewards, nil
}

func (l *Ledger) observeTransition(userID string, oldScore, newScore int) {
	from, to := TierOf(oldScore), TierOf(newScore)
	if from == to {
		return
	}
	log.Printf("[trust] tier change user=%s %s -> %s (score=%d)", userID, from, to, newScore)
	metrics.TierTransitions.WithLabelValues(string(to)).Inc()
	if l.onTierChange != nil {
		l.onTierChange(userID, from, to, newScore)
	}
}
