// Package trust maintains the per-user trust score that gates write access
// to chat and other social actions. Scores live in PostgreSQL and are only
// ever mutated through named actions applied with a compare-and-swap
// discipline; there is no raw setter.
package trust

// Score bounds and the default for users with no prior history.
const (
	MinScore     = 0
	MaxScore     = 1000
	DefaultScore = 500
)

// WriteThreshold is the minimum score that permits sending messages.
const WriteThreshold = 300

// Tier is a named band of the trust score controlling feature access.
type Tier string

const (
	TierRestricted Tier = "restricted" // < 300, blocks writes
	TierNormal     Tier = "normal"     // [300, 800)
	TierTrusted    Tier = "trusted"    // [800, 900)
	TierElite      Tier = "elite"      // >= 900
)

// TierOf maps a score to its tier. Total over [MinScore, MaxScore];
// out-of-range inputs are clamped first.
func TierOf(score int) Tier {
	score = clamp(score)
	switch {
	case score < WriteThreshold:
		return TierRestricted
	case score < 800:
		return TierNormal
	case score < 900:
		return TierTrusted
	default:
		return TierElite
	}
}

// CanWrite reports whether a user at the given score may send messages.
// It is the single authority consulted before any send.
func CanWrite(score int) bool {
	return score >= WriteThreshold
}

// clamp bounds a score to [MinScore, MaxScore].
func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
