package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"dayroutine/internal/model"
)

const (
	service   = "dayroutine"
	uidDomain = "@" + service

	// PropertyCompleted marks a checked activity on a day export.
	PropertyCompleted = ical.ComponentProperty("X-DAYROUTINE-COMPLETED")
)

var now = time.Now

// Export renders one day's checklist as a calendar. Activities whose display
// time cannot be read become all-day events.
func Export(date string, activities []model.Activity, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.Local
	}
	day, err := model.DayStart(date, loc)
	if err != nil {
		return "", err
	}

	cal := newCalendar("Daily routine "+date, loc)
	stamp := now()
	for _, a := range activities {
		ve := cal.AddEvent(date + "-" + a.ID + uidDomain)
		describe(ve, a, stamp)
		setTimes(ve, day, a.Time, loc)

		ve.SetStatus(ical.ObjectStatusConfirmed)
		if a.Completed {
			ve.SetProperty(PropertyCompleted, "TRUE")
		} else {
			ve.SetProperty(PropertyCompleted, "FALSE")
		}
	}
	return cal.Serialize(), nil
}

// ExportTemplate renders the routine as daily recurring events starting on
// the calendar day of from. ImportTemplate reads the result back.
func ExportTemplate(activities []model.Activity, loc *time.Location, from time.Time) string {
	if loc == nil {
		loc = time.Local
	}
	from = from.In(loc)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	daily := (&rrule.ROption{Freq: rrule.DAILY}).RRuleString()

	cal := newCalendar("Daily routine", loc)
	stamp := now()
	for _, a := range activities {
		ve := cal.AddEvent(a.ID + uidDomain)
		describe(ve, a, stamp)
		setTimes(ve, day, a.Time, loc)
		ve.AddRrule(daily)
	}
	return cal.Serialize()
}

func newCalendar(name string, loc *time.Location) *ical.Calendar {
	cal := ical.NewCalendarFor(service)
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(name)
	if tz := tzName(loc); tz != "" {
		cal.SetXWRTimezone(tz)
	}
	return cal
}

func describe(ve *ical.VEvent, a model.Activity, stamp time.Time) {
	ve.SetDtStampTime(stamp)
	ve.SetSummary(a.Description)
	ve.AddCategory(string(a.Section))
	if a.Icon != "" {
		ve.SetProperty(PropertyIcon, a.Icon)
	}
}

func setTimes(ve *ical.VEvent, day time.Time, display string, loc *time.Location) {
	r, err := ParseDisplayTime(display)
	if err != nil {
		ve.SetAllDayStartAt(day)
		return
	}
	setTime(ve, ical.ComponentPropertyDtStart, at(day, r.Start), loc)
	if r.HasEnd() {
		setTime(ve, ical.ComponentPropertyDtEnd, at(day, r.End), loc)
	}
}

// setTime writes a zoned local time when loc has an IANA name and UTC otherwise.
func setTime(ve *ical.VEvent, prop ical.ComponentProperty, t time.Time, loc *time.Location) {
	if tz := tzName(loc); tz != "" {
		ve.SetProperty(prop, t.In(loc).Format("20060102T150405"), ical.WithTZID(tz))
		return
	}
	ve.SetProperty(prop, t.UTC().Format("20060102T150405Z"))
}

// at is the wall-clock time off after midnight of day.
func at(day time.Time, off time.Duration) time.Time {
	h := int(off / time.Hour)
	m := int(off % time.Hour / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

func tzName(loc *time.Location) string {
	if loc == nil {
		return ""
	}
	switch name := loc.String(); name {
	case "", "Local", "UTC":
		return ""
	default:
		return name
	}
}

// activityID recovers an activity id from an event UID.
func activityID(uid string) string {
	id := uid
	if i := strings.LastIndex(id, "@"); i > 0 {
		id = id[:i]
	}
	return strings.TrimSpace(id)
}
