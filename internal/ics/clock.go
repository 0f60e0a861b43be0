package ics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ClockRange is a time-of-day span taken from an activity's display time,
// expressed as offsets from midnight.
type ClockRange struct {
	Start time.Duration
	End   time.Duration
}

// HasEnd reports whether the display time named an end as well as a start.
func (r ClockRange) HasEnd() bool {
	return r.End > r.Start
}

var clockPart = regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*([AaPp][Mm])?$`)

type clock struct {
	hour, minute int
	meridiem     string // "", "AM" or "PM"
}

func parseClock(s string) (clock, error) {
	m := clockPart.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return clock{}, fmt.Errorf("unrecognized time %q", s)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	c := clock{hour: h, minute: min, meridiem: strings.ToUpper(m[3])}
	if min > 59 {
		return clock{}, fmt.Errorf("unrecognized time %q", s)
	}
	if c.meridiem != "" && (h < 1 || h > 12) {
		return clock{}, fmt.Errorf("unrecognized time %q", s)
	}
	if c.meridiem == "" && h > 23 {
		return clock{}, fmt.Errorf("unrecognized time %q", s)
	}
	return c, nil
}

func (c clock) offset(meridiem string) time.Duration {
	h := c.hour
	switch meridiem {
	case "AM":
		if h == 12 {
			h = 0
		}
	case "PM":
		if h != 12 {
			h += 12
		}
	}
	return time.Duration(h)*time.Hour + time.Duration(c.minute)*time.Minute
}

// ParseDisplayTime reads display strings such as "5:30 AM",
// "06:00 - 06:30 AM" or "11:30 AM - 12:30 PM". A start without its own
// AM/PM takes the end's, unless that would place it after the end.
func ParseDisplayTime(s string) (ClockRange, error) {
	s = strings.ReplaceAll(s, "–", "-")
	parts := strings.Split(s, "-")
	switch len(parts) {
	case 1:
		c, err := parseClock(parts[0])
		if err != nil {
			return ClockRange{}, err
		}
		off := c.offset(c.meridiem)
		return ClockRange{Start: off, End: off}, nil
	case 2:
	default:
		return ClockRange{}, fmt.Errorf("unrecognized time range %q", s)
	}

	start, err := parseClock(parts[0])
	if err != nil {
		return ClockRange{}, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return ClockRange{}, err
	}

	endOff := end.offset(end.meridiem)
	var startOff time.Duration
	switch {
	case start.meridiem != "":
		startOff = start.offset(start.meridiem)
	case end.meridiem != "":
		startOff = start.offset(end.meridiem)
		if startOff > endOff {
			startOff = start.offset(flip(end.meridiem))
		}
	default:
		startOff = start.offset("")
	}

	if startOff >= endOff {
		return ClockRange{}, fmt.Errorf("time range %q ends before it starts", s)
	}
	return ClockRange{Start: startOff, End: endOff}, nil
}

func flip(meridiem string) string {
	if meridiem == "AM" {
		return "PM"
	}
	return "AM"
}

// FormatDisplayTime renders r in the style ParseDisplayTime accepts, sharing
// the AM/PM suffix when both ends fall in the same half of the day.
func FormatDisplayTime(r ClockRange) string {
	sh, sm, smer := twelveHour(r.Start)
	if !r.HasEnd() {
		return fmt.Sprintf("%02d:%02d %s", sh, sm, smer)
	}
	eh, em, emer := twelveHour(r.End)
	if smer == emer {
		return fmt.Sprintf("%02d:%02d - %02d:%02d %s", sh, sm, eh, em, emer)
	}
	return fmt.Sprintf("%02d:%02d %s - %02d:%02d %s", sh, sm, smer, eh, em, emer)
}

func twelveHour(d time.Duration) (int, int, string) {
	total := int(d / time.Minute)
	h, m := (total/60)%24, total%60
	mer := "AM"
	if h >= 12 {
		mer = "PM"
	}
	h %= 12
	if h == 0 {
		h = 12
	}
	return h, m, mer
}
