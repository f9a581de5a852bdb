package catalog

import (
	"fmt"
	"strings"
)

// Schedule is the weekly meeting slot of a group. StartsAt and EndsAt are
// minutes since midnight.
type Schedule struct {
	Days     []string `yaml:"days" json:"days"`
	StartsAt int      `yaml:"starts_at" json:"starts_at"`
	EndsAt   int      `yaml:"ends_at" json:"ends_at"`
}

// Overlaps reports whether both schedules meet on a shared day at
// intersecting times. Touching end and start times do not overlap.
func (s Schedule) Overlaps(o Schedule) bool {
	if !sharesDay(s.Days, o.Days) {
		return false
	}
	return !(s.EndsAt <= o.StartsAt || o.EndsAt <= s.StartsAt)
}

func (s Schedule) String() string {
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d", strings.Join(s.Days, ","),
		s.StartsAt/60, s.StartsAt%60, s.EndsAt/60, s.EndsAt%60)
}

func sharesDay(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

func splitDays(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
