package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// DateLayout is the calendar date format used for document keys.
const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid calendar date")

// Section is the part of the day an activity belongs to.
type Section string

const (
	SectionMorning   Section = "morning"
	SectionAfternoon Section = "afternoon"
	SectionEvening   Section = "evening"
)

// Sections lists sections in display order.
var Sections = []Section{SectionMorning, SectionAfternoon, SectionEvening}

func (s Section) Valid() bool {
	switch s {
	case SectionMorning, SectionAfternoon, SectionEvening:
		return true
	}
	return false
}

// Title is the display heading for a section.
func (s Section) Title() string {
	switch s {
	case SectionMorning:
		return "🌅 Morning"
	case SectionAfternoon:
		return "☀️ Afternoon"
	case SectionEvening:
		return "🌙 Evening"
	default:
		return ""
	}
}

// Activity is a single checklist item of a day's routine. Everything except
// Completed comes from the template the document was created with.
type Activity struct {
	ID          string  `json:"id" yaml:"id"`
	Time        string  `json:"time" yaml:"time"`
	Description string  `json:"description" yaml:"description"`
	Icon        string  `json:"icon" yaml:"icon"`
	Completed   bool    `json:"completed" yaml:"-"`
	Section     Section `json:"section" yaml:"section"`
}

// ScheduleDocument is the stored value for one (subject, date) key.
// Activities keep template insertion order.
type ScheduleDocument struct {
	Activities []Activity `json:"activities"`

	// TemplateVersion identifies the template the activity set came from.
	// Documents written before versioning existed carry an empty value.
	TemplateVersion string `json:"templateVersion,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *ScheduleDocument) Clone() *ScheduleDocument {
	if d == nil {
		return nil
	}
	return &ScheduleDocument{
		Activities:      CloneActivities(d.Activities),
		TemplateVersion: d.TemplateVersion,
	}
}

// Equal reports whether both documents hold the same activities in the same
// order under the same template version.
func (d *ScheduleDocument) Equal(o *ScheduleDocument) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.TemplateVersion == o.TemplateVersion && slices.Equal(d.Activities, o.Activities)
}

func CloneActivities(in []Activity) []Activity {
	if in == nil {
		return nil
	}
	out := make([]Activity, len(in))
	copy(out, in)
	return out
}

// IndexOf returns the position of the activity with the given id, or -1.
func IndexOf(activities []Activity, id string) int {
	for i := range activities {
		if activities[i].ID == id {
			return i
		}
	}
	return -1
}

// SectionGroup is a display grouping of activities.
type SectionGroup struct {
	Section    Section    `json:"section"`
	Title      string     `json:"title"`
	Activities []Activity `json:"activities"`
}

// GroupBySection groups activities by section in display order, preserving
// the stored order inside each group. Activities with an unknown section are
// dropped from the grouping.
func GroupBySection(activities []Activity) []SectionGroup {
	groups := make([]SectionGroup, 0, len(Sections))
	for _, s := range Sections {
		g := SectionGroup{Section: s, Title: s.Title(), Activities: []Activity{}}
		for _, a := range activities {
			if a.Section == s {
				g.Activities = append(g.Activities, a)
			}
		}
		groups = append(groups, g)
	}
	return groups
}

// ParseDate validates a YYYY-MM-DD calendar date and returns it in canonical form.
func ParseDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	if t.Format(DateLayout) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return s, nil
}

// Today returns the current local calendar date in loc.
func Today(loc *time.Location) string {
	return DateOf(time.Now(), loc)
}

// DateOf formats t as a calendar date in loc (time.Local if nil).
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DateLayout)
}

// DayStart returns midnight of date in loc.
func DayStart(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return t, nil
}
