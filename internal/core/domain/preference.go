package domain

import "context"

// Frequency is a user's digest preference. Immediate means every notification
// is dispatched as it arrives; never suppresses non-urgent delivery entirely.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyNever     Frequency = "never"
)

// Preferences is the per-user channel configuration, owned by an external
// service and consumed read-only here.
type Preferences struct {
	Channels  []Channel `json:"channels"`
	Frequency Frequency `json:"frequency"`
}

// Enabled reports whether the user has ch turned on.
func (p Preferences) Enabled(ch Channel) bool {
	for _, c := range p.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// PreferenceSource looks up a user's channel preferences.
type PreferenceSource interface {
	Preferences(ctx context.Context, userID string) (Preferences, error)
}

// StaticPreferences serves the same preferences for every user. Used in
// standalone mode and in tests; real deployments plug in their own source.
type StaticPreferences struct {
	Prefs Preferences
}

func (s StaticPreferences) Preferences(ctx context.Context, userID string) (Preferences, error) {
	return s.Prefs, nil
}
