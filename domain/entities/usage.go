package entities

// DefaultMonthlyLimitMinutes is the free-tier voice allowance per calendar month.
const DefaultMonthlyLimitMinutes = 5.0

// VoiceUsage tracks a user's voice-minute consumption for the current period.
// One document per user, keyed by user ID, overwritten as a whole on each
// completed session.
type VoiceUsage struct {
	UserID         string  `json:"user_id" bson:"_id"`
	MinutesUsed    float64 `json:"minutes_used" bson:"minutes_used"`
	SessionsUsed   int     `json:"sessions_used" bson:"sessions_used"`
	LastResetMonth int     `json:"last_reset_month" bson:"last_reset_month"`
	LastResetYear  int     `json:"last_reset_year" bson:"last_reset_year"`
}

// ShouldReset reports whether the stored counters belong to a past period and
// must be treated as zero. The 0/0 month-year pair is the first-ever-use
// sentinel and always resets.
func (u VoiceUsage) ShouldReset(currentMonth, currentYear int) bool {
	return u.LastResetYear < currentYear ||
		(u.LastResetYear == currentYear && u.LastResetMonth < currentMonth) ||
		(u.LastResetMonth == 0 && u.LastResetYear == 0)
}

// RemainingMinutes returns the unused allowance, never negative.
func (u VoiceUsage) RemainingMinutes(limit float64) float64 {
	remaining := limit - u.MinutesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanStartSession reports whether another session fits in the allowance.
func (u VoiceUsage) CanStartSession(limit float64) bool {
	return u.MinutesUsed < limit
}
