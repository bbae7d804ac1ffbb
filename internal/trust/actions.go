package trust

// Action names a user behaviour that moves the trust score. The set is
// fixed; the deltas are policy and come from configuration.
type Action string

const (
	ActionMessageSent   Action = "MESSAGE_SENT"
	ActionToxicContent  Action = "TOXIC_CONTENT"
	ActionUserReported  Action = "USER_REPORTED"
	ActionPostUpvoted   Action = "POST_UPVOTED"
	ActionPostDownvoted Action = "POST_DOWNVOTED"
	ActionHelpfulAnswer Action = "HELPFUL_ANSWER"
)

// ActionTable maps each action to its signed score delta.
type ActionTable map[Action]int

// DefaultActions returns the reference policy table. Deployments override
// individual deltas via configuration.
func DefaultActions() ActionTable {
	return ActionTable{
		ActionMessageSent:   1,
		ActionToxicContent:  -50,
		ActionUserReported:  -20,
		ActionPostUpvoted:   5,
		ActionPostDownvoted: -5,
		ActionHelpfulAnswer: 20,
	}
}

// applyDelta computes the clamped score after applying a delta.
func applyDelta(score, delta int) int {
	return clamp(score + delta)
}
