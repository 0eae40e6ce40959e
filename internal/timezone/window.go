package timezone

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	// maxSnapDays bounds the forward search for an operating day.
	maxSnapDays = 400
)

// Clock is a local wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("invalid hour in clock %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("invalid minute in clock %q", s)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

// Window is the business-hours window during which automated calls may be placed.
// Both bounds are inclusive.
type Window struct {
	location *time.Location
	weekdays [7]bool
	start    Clock
	end      Clock
	holidays map[string]struct{}
}

func NewWindow(loc *time.Location, weekdays []time.Weekday, start, end Clock, holidays []string) (*Window, error) {
	if loc == nil {
		return nil, fmt.Errorf("window location is required")
	}
	if start.minutes() >= end.minutes() {
		return nil, fmt.Errorf("window start %s must be before end %s", start, end)
	}

	w := &Window{
		location: loc,
		start:    start,
		end:      end,
		holidays: make(map[string]struct{}, len(holidays)),
	}

	operating := 0
	for _, day := range weekdays {
		if day < time.Sunday || day > time.Saturday {
			return nil, fmt.Errorf("invalid weekday %d", day)
		}
		if !w.weekdays[day] {
			operating++
		}
		w.weekdays[day] = true
	}
	if operating == 0 {
		return nil, fmt.Errorf("window needs at least one operating weekday")
	}

	for _, raw := range holidays {
		day, err := time.ParseInLocation(dateLayout, strings.TrimSpace(raw), loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", raw, err)
		}
		w.holidays[day.Format(dateLayout)] = struct{}{}
	}

	return w, nil
}

func (w *Window) Location() *time.Location { return w.location }

func (w *Window) Start() Clock { return w.start }

func (w *Window) End() Clock { return w.end }

// IsOperatingDay reports whether calls may be placed on t's local date.
func (w *Window) IsOperatingDay(t time.Time) bool {
	local := t.In(w.location)
	if !w.weekdays[local.Weekday()] {
		return false
	}
	_, holiday := w.holidays[local.Format(dateLayout)]
	return !holiday
}

// Contains reports whether t falls inside the window on an operating day.
func (w *Window) Contains(t time.Time) bool {
	if !w.IsOperatingDay(t) {
		return false
	}
	local := t.In(w.location)
	return !local.Before(w.startOf(local)) && !local.After(w.endOf(local))
}

// Snap returns the earliest instant at or after t that lies inside the window.
func (w *Window) Snap(t time.Time) time.Time {
	local := t.In(w.location)
	if w.Contains(local) {
		return local
	}

	if w.IsOperatingDay(local) && local.Before(w.startOf(local)) {
		return w.startOf(local)
	}

	return w.firstOperatingStartAfter(local)
}

// NextBusinessDayStart returns the window opening on the first operating day after t's local date.
func (w *Window) NextBusinessDayStart(t time.Time) time.Time {
	return w.firstOperatingStartAfter(t.In(w.location))
}

func (w *Window) firstOperatingStartAfter(local time.Time) time.Time {
	day := dayStart(local)
	for i := 1; i <= maxSnapDays; i++ {
		candidate := day.AddDate(0, 0, i)
		if w.IsOperatingDay(candidate) {
			return w.startOf(candidate)
		}
	}
	return w.startOf(day.AddDate(0, 0, maxSnapDays))
}

func (w *Window) startOf(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), w.start.Hour, w.start.Minute, 0, 0, w.location)
}

func (w *Window) endOf(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), w.end.Hour, w.end.Minute, 0, 0, w.location)
}

func dayStart(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, local.Location())
}

// ParseWeekday accepts English day names and their three letter abbreviations.
func ParseWeekday(s string) (time.Weekday, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if normalized == name || normalized == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}
