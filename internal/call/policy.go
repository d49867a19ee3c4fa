package call

import (
	"fmt"
	"sort"

	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/domain"
)

// Schedule is the configured call-day → allowed-seconds table. It is
// business configuration, not logic baked into the state machine.
type Schedule []config.DurationStep

// NewSchedule sorts and validates the table: every step positive,
// durations non-decreasing in day.
func NewSchedule(steps []config.DurationStep) (Schedule, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty duration schedule")
	}
	s := make(Schedule, len(steps))
	copy(s, steps)
	sort.Slice(s, func(i, j int) bool { return s[i].Day < s[j].Day })
	prev := 0
	for _, step := range s {
		if step.Day < 1 || step.Seconds <= 0 {
			return nil, fmt.Errorf("bad schedule step day=%d seconds=%d", step.Day, step.Seconds)
		}
		if step.Seconds < prev {
			return nil, fmt.Errorf("schedule not non-decreasing at day=%d", step.Day)
		}
		prev = step.Seconds
	}
	return s, nil
}

// AllowedDuration returns the allowed call length in seconds for a
// call day. Pure and non-decreasing in callDay: the step with the
// largest Day <= callDay wins; days before the first step get the
// first step's duration.
func (s Schedule) AllowedDuration(day domain.CallDay) int {
	secs := s[0].Seconds
	for _, step := range s {
		if int(day) >= step.Day {
			secs = step.Seconds
		}
	}
	return secs
}
