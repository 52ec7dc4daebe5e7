package negotiation

import (
	"errors"
	"strings"
	"time"

	"github.com/interopx/dsagent/internal/profile"
	"github.com/interopx/dsagent/internal/storage"
)

// Selector and role guard failures. Both selectors are mutually exclusive
// and exactly one must be supplied; same for the two roles.
var (
	ErrAmbiguousSelector = errors.New("exactly one of category or participant must be set")
	ErrAmbiguousRole     = errors.New("exactly one of asDataProvider or asServiceProvider must be set")
)

// PreferenceMatchParams selects which preference entry to evaluate and
// under which circumstances.
type PreferenceMatchParams struct {
	Participant       string
	Category          string
	AsDataProvider    bool
	AsServiceProvider bool
	Location          string
	Now               time.Time
}

// CheckPreferenceMatch evaluates the profile's preference entry selected
// by the params.
//
// When no preference entry matches the selector, the check matches by
// default and returns true. Most absent-configuration paths in this system
// fail closed; this one deliberately does not, preserving the original
// behavior (see the default-allow test).
func (s *Service) CheckPreferenceMatch(p *profile.Profile, params PreferenceMatchParams) (bool, error) {
	if (params.Participant == "") == (params.Category == "") {
		return false, ErrAmbiguousSelector
	}
	if params.AsDataProvider == params.AsServiceProvider {
		return false, ErrAmbiguousRole
	}

	pref := findPreference(p, params)
	if pref == nil {
		return true, nil
	}

	role := pref.AsDataProvider
	if params.AsServiceProvider {
		role = pref.AsServiceProvider
	}
	if role == nil {
		return true, nil
	}

	switch role.AuthorizationLevel {
	case profile.AuthorizationNever:
		return false, nil
	case profile.AuthorizationAlways:
		return true, nil
	case profile.AuthorizationConditional:
		now := params.Now
		if now.IsZero() {
			now = time.Now()
		}
		for _, cond := range role.Conditions {
			if conditionMatches(cond, now, params.Location) {
				return true, nil
			}
		}
		return false, nil
	default:
		s.logger.Warn("unknown authorization level", "uri", p.URI, "level", role.AuthorizationLevel)
		return false, nil
	}
}

func findPreference(p *profile.Profile, params PreferenceMatchParams) *profile.Preference {
	for i := range p.Preference {
		pref := &p.Preference[i]
		if params.Participant != "" && pref.Participant == params.Participant {
			return pref
		}
		if params.Category != "" && pref.Category == params.Category {
			return pref
		}
	}
	return nil
}

func conditionMatches(cond profile.PreferenceCondition, now time.Time, location string) bool {
	if cond.Time != nil && timeWindowContains(cond.Time, now) {
		return true
	}
	if cond.Location != "" && location != "" && strings.EqualFold(cond.Location, location) {
		return true
	}
	return false
}

// timeWindowContains reports whether now falls inside the condition's
// day and time window. A window whose start is later than its end wraps
// across midnight (22:00-06:00); the day list is checked against the day
// the moment falls on, not the day the window started.
func timeWindowContains(tc *profile.TimeCondition, now time.Time) bool {
	if !dayListed(tc.Days, now.Weekday()) {
		return false
	}
	start, okStart := parseClock(tc.StartTime)
	end, okEnd := parseClock(tc.EndTime)
	if !okStart || !okEnd {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes <= end
	}
	return minutes >= start || minutes <= end
}

func dayListed(days []string, day time.Weekday) bool {
	for _, d := range days {
		if strings.EqualFold(d, day.String()) {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, m := atoi(parts[0]), atoi(parts[1])
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func atoi(s string) int {
	n := 0
	if s == "" {
		return -1
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func decodePreference(raw map[string]any) (profile.Preference, error) {
	var pref profile.Preference
	if err := storage.Document(raw).Decode(&pref); err != nil {
		return profile.Preference{}, err
	}
	return pref, nil
}
