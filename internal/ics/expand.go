package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "dayroutine/internal/log"
)

// occurrenceOn returns the start of ev's occurrence on the calendar day
// beginning at dayStart, if it has one. Recurring events are expanded with
// their RRULE and EXDATEs; the others must start on that day.
func occurrenceOn(ev event, dayStart time.Time) (time.Time, bool) {
	dayEnd := dayStart.AddDate(0, 0, 1)

	if ev.RawRRule == "" {
		start := ev.Start.In(dayStart.Location())
		if ev.AllDay {
			// All-day dates are floating; compare calendar dates.
			start = time.Date(ev.Start.Year(), ev.Start.Month(), ev.Start.Day(), 0, 0, 0, 0, dayStart.Location())
		}
		if !start.Before(dayStart) && start.Before(dayEnd) {
			return start, true
		}
		return time.Time{}, false
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return time.Time{}, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Between excludes its upper bound when inc is false; the day is [start, end).
	occ := set.Between(dayStart.Add(-time.Nanosecond), dayEnd, false)
	if len(occ) == 0 {
		return time.Time{}, false
	}
	return occ[0].In(dayStart.Location()), true
}
