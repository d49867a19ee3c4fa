package domain

import "time"

// CallSession is the call-level state owned by the session manager.
// One value lives for one call attempt; a new attempt gets a fresh value.
type CallSession struct {
	MatchID     MatchID   `json:"match_id"`
	OtherUserID UserID    `json:"other_user_id"`
	CallDay     CallDay   `json:"call_day"`
	Phase       CallPhase `json:"phase"`
	StartedAt   time.Time `json:"started_at,omitzero"`

	AllowedDurationSeconds int `json:"allowed_duration_seconds"`
	RemainingSeconds       int `json:"remaining_seconds"`
}

// PresenceEntry records the last known reachability of a user.
type PresenceEntry struct {
	UserID UserID `json:"user_id"`
	Online bool   `json:"online"`
}
