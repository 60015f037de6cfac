// Package trigger computes the next publish instant from a user's recurring
// posting schedule.
package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/socialsync/publisher/pkg/apperror"
)

// searchDays bounds the lookahead; every weekday appears at least once in it.
const searchDays = 8

const everyDay = "everyday"

// Rule fires at Hour:Minute local time, either every day or on Weekday.
type Rule struct {
	EveryDay bool
	Weekday  time.Weekday
	Hour     int
	Minute   int
}

func (r Rule) matches(day time.Weekday) bool {
	return r.EveryDay || r.Weekday == day
}

func (r Rule) String() string {
	day := "Everyday"
	if !r.EveryDay {
		day = r.Weekday.String()
	}
	return fmt.Sprintf("%s %02d:%02d", day, r.Hour, r.Minute)
}

type wireRule struct {
	Day  string `json:"day"`
	Time string `json:"time"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	day := "Everyday"
	if !r.EveryDay {
		day = r.Weekday.String()
	}
	return json.Marshal(wireRule{Day: day, Time: fmt.Sprintf("%02d:%02d", r.Hour, r.Minute)})
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseRule(w wireRule) (Rule, error) {
	if strings.TrimSpace(w.Time) == "" {
		return Rule{}, apperror.ErrNoValidTrigger.WithMessage("trigger is missing time")
	}
	clock, err := time.Parse("15:04", strings.TrimSpace(w.Time))
	if err != nil {
		return Rule{}, apperror.ErrNoValidTrigger.WithMessage(fmt.Sprintf("invalid trigger time %q", w.Time))
	}

	r := Rule{Hour: clock.Hour(), Minute: clock.Minute()}
	day := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(w.Day), " ", ""))
	switch day {
	case "", everyDay, "daily":
		r.EveryDay = true
	default:
		wd, ok := weekdays[day]
		if !ok {
			return Rule{}, apperror.ErrNoValidTrigger.WithMessage(fmt.Sprintf("invalid trigger day %q", w.Day))
		}
		r.Weekday = wd
	}
	return r, nil
}

// ParseRules decodes a serialized rule list such as
// [{"day":"Monday","time":"09:30"},{"day":"Everyday","time":"18:00"}].
func ParseRules(data []byte) ([]Rule, error) {
	if len(data) == 0 {
		return nil, apperror.ErrNoValidTrigger.WithMessage("posting schedule is empty")
	}
	var wire []wireRule
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, apperror.ErrNoValidTrigger.WithMessage("posting schedule must be a list of triggers")
	}
	if len(wire) == 0 {
		return nil, apperror.ErrNoValidTrigger.WithMessage("posting schedule is empty")
	}

	rules := make([]Rule, 0, len(wire))
	for _, w := range wire {
		r, err := parseRule(w)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadLocation resolves an IANA zone name; an empty name means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperror.ErrNoValidTrigger.WithMessage(fmt.Sprintf("unknown timezone %q", tz))
	}
	return loc, nil
}

// Next returns the soonest instant strictly after now that matches one of the
// rules in the given timezone. The result is in UTC.
func Next(rules []Rule, tz string, now time.Time) (time.Time, error) {
	if len(rules) == 0 {
		return time.Time{}, apperror.ErrNoValidTrigger
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	var best time.Time
	for i := 0; i < searchDays; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, loc)
		for _, r := range rules {
			if !r.matches(day.Weekday()) {
				continue
			}
			candidate := time.Date(day.Year(), day.Month(), day.Day(), r.Hour, r.Minute, 0, 0, loc)
			if !candidate.After(now) {
				continue
			}
			if best.IsZero() || candidate.Before(best) {
				best = candidate
			}
		}
	}

	if best.IsZero() {
		return time.Time{}, apperror.ErrNoValidTrigger
	}
	return best.UTC(), nil
}

// NextFromSchedule parses a serialized schedule and computes its next instant.
func NextFromSchedule(data []byte, tz string, now time.Time) (time.Time, error) {
	rules, err := ParseRules(data)
	if err != nil {
		return time.Time{}, err
	}
	return Next(rules, tz, now)
}
