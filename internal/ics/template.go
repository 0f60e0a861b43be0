package ics

import (
	"errors"
	"sort"
	"time"

	appLog "dayroutine/internal/log"
	"dayroutine/internal/model"
)

// ImportTemplate builds routine activities from a calendar, ordered by start
// time. When day is non-zero only events occurring on that calendar day are
// used; recurring events are expanded to find their occurrence. All-day
// events carry no time and are skipped.
//
// The event UID (without its @domain) becomes the activity id, SUMMARY the
// description and the first CATEGORIES value the section. Events without a
// known section are placed by their start hour.
func ImportTemplate(body []byte, day time.Time, loc *time.Location) ([]model.Activity, error) {
	if loc == nil {
		loc = time.Local
	}
	events, err := parseEvents(body)
	if err != nil {
		return nil, err
	}

	var dayStart time.Time
	if !day.IsZero() {
		d := day.In(loc)
		dayStart = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	}

	type entry struct {
		offset time.Duration
		act    model.Activity
	}
	var entries []entry

	for _, ev := range events {
		if ev.AllDay {
			appLog.Debug("ics import: skipping all-day event", "uid", ev.UID)
			continue
		}

		start := ev.Start.In(loc)
		if !dayStart.IsZero() {
			occ, ok := occurrenceOn(ev, dayStart)
			if !ok {
				continue
			}
			start = occ
		}

		off := time.Duration(start.Hour())*time.Hour + time.Duration(start.Minute())*time.Minute
		r := ClockRange{Start: off, End: off}
		if !ev.End.IsZero() && ev.End.After(ev.Start) {
			r.End = off + ev.End.Sub(ev.Start)
		}

		desc := ev.Summary
		if desc == "" {
			desc = ev.Description
		}

		section := model.Section(ev.Category)
		if !section.Valid() {
			section = sectionForHour(start.Hour())
		}

		entries = append(entries, entry{
			offset: off,
			act: model.Activity{
				ID:          activityID(ev.UID),
				Time:        FormatDisplayTime(r),
				Description: desc,
				Icon:        ev.Icon,
				Section:     section,
			},
		})
	}

	if len(entries) == 0 {
		return nil, errors.New("calendar has no timed events for the routine")
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].offset < entries[j].offset
	})

	out := make([]model.Activity, len(entries))
	for i, e := range entries {
		out[i] = e.act
	}
	return out, nil
}

func sectionForHour(h int) model.Section {
	switch {
	case h < 12:
		return model.SectionMorning
	case h < 18:
		return model.SectionAfternoon
	default:
		return model.SectionEvening
	}
}
