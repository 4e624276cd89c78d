// Package embargo parses human-readable merge-embargo windows and
// answers whether a given instant falls inside any of them.
//
// Windows are expressed as "Weekday HH:MM - Weekday HH:MM" in a named
// timezone and recur weekly.
package embargo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is one configured embargo interval, e.g. "Friday 18:00" to
// "Monday 09:00" in a timezone.
type Window struct {
	StartDay  time.Weekday
	StartHour int
	StartMin  int
	EndDay    time.Weekday
	EndHour   int
	EndMin    int
	Location  *time.Location
}

// Calendar is the union of zero or more Windows.
type Calendar struct {
	windows []Window
}

// Empty returns a calendar with no embargoes; InEmbargo is always
// false.
func Empty() *Calendar { return &Calendar{} }

// Parse parses one or more "Weekday HH:MM - Weekday HH:MM Zone"
// strings (e.g. "Friday 18:00 - Monday 09:00 UTC") into a Calendar.
// A single string may also hold several windows separated by commas,
// the form String renders.
// Overlapping windows union; Parse does not collapse them
// eagerly, InEmbargo computes the union at query time.
func Parse(specs ...string) (*Calendar, error) {
	cal := &Calendar{}
	for _, spec := range specs {
		for _, s := range strings.Split(spec, ",") {
			s = strings.TrimSpace(s)
			w, err := parseOne(s)
			if err != nil {
				return nil, fmt.Errorf("parsing embargo %q: %w", s, err)
			}
			cal.windows = append(cal.windows, w)
		}
	}
	return cal, nil
}

func parseOne(s string) (Window, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("expected \"Weekday HH:MM - Weekday HH:MM [Zone]\", got %q", s)
	}

	startStr := strings.TrimSpace(parts[0])
	rest := strings.TrimSpace(parts[1])

	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return Window{}, fmt.Errorf("expected \"Weekday HH:MM [Zone]\" after '-', got %q", rest)
	}
	endStr := fields[0] + " " + fields[1]
	zone := "UTC"
	if len(fields) > 2 {
		zone = strings.Join(fields[2:], " ")
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Window{}, fmt.Errorf("unknown timezone %q: %w", zone, err)
	}

	startDay, startHour, startMin, err := parseWeekdayTime(startStr)
	if err != nil {
		return Window{}, err
	}
	endDay, endHour, endMin, err := parseWeekdayTime(endStr)
	if err != nil {
		return Window{}, err
	}

	return Window{
		StartDay: startDay, StartHour: startHour, StartMin: startMin,
		EndDay: endDay, EndHour: endHour, EndMin: endMin,
		Location: loc,
	}, nil
}

func parseWeekdayTime(s string) (time.Weekday, int, int, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, 0, fmt.Errorf("expected \"Weekday HH:MM\", got %q", s)
	}
	day, err := parseWeekday(fields[0])
	if err != nil {
		return 0, 0, 0, err
	}
	h, m, err := parseHHMM(fields[1])
	if err != nil {
		return 0, 0, 0, err
	}
	return day, h, m, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	days := []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
	ls := strings.ToLower(s)
	for _, d := range days {
		if strings.ToLower(d.String()) == ls {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// String renders the Calendar back into the form Parse accepts.
// Round-tripping Parse -> String -> Parse is idempotent on the set of
// instants the calendar denotes.
func (c *Calendar) String() string {
	parts := make([]string, len(c.windows))
	for i, w := range c.windows {
		parts[i] = fmt.Sprintf("%s %02d:%02d - %s %02d:%02d %s",
			w.StartDay, w.StartHour, w.StartMin,
			w.EndDay, w.EndHour, w.EndMin,
			w.Location)
	}
	return strings.Join(parts, ", ")
}

// InEmbargo reports whether now falls inside any configured window.
func (c *Calendar) InEmbargo(now time.Time) bool {
	for _, w := range c.windows {
		if windowCovers(w, now) {
			return true
		}
	}
	return false
}

// WaitUntilClear returns how long the caller must sleep, starting at
// now, before no window covers the resulting instant. It returns the
// duration to the end of the union of all currently-covering windows,
// following overlapping windows until a gap is found.
func (c *Calendar) WaitUntilClear(now time.Time) time.Duration {
	cur := now
	for {
		end, covered := c.nextEndAfter(cur)
		if !covered {
			if cur.Equal(now) {
				return 0
			}
			return cur.Sub(now)
		}
		cur = end
	}
}

func (c *Calendar) nextEndAfter(now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, w := range c.windows {
		if !windowCovers(w, now) {
			continue
		}
		end := windowEnd(w, now)
		if !found || end.After(best) {
			best = end
			found = true
		}
	}
	return best, found
}

// windowCovers reports whether now (interpreted in the window's
// timezone) falls within [start, end) of the weekly-recurring window,
// including the case where the window wraps across the week boundary
// (e.g. Friday -> Monday).
func windowCovers(w Window, now time.Time) bool {
	local := now.In(w.Location)
	offset := weekOffset(local)
	start := minutesOf(w.StartDay, w.StartHour, w.StartMin)
	end := minutesOf(w.EndDay, w.EndHour, w.EndMin)

	if start <= end {
		return offset >= start && offset < end
	}
	// wraps past the end of the week
	return offset >= start || offset < end
}

// windowEnd returns the absolute time.Time of the next end of w
// relative to now (now must already be inside the window).
func windowEnd(w Window, now time.Time) time.Time {
	local := now.In(w.Location)
	offset := weekOffset(local)
	start := minutesOf(w.StartDay, w.StartHour, w.StartMin)
	end := minutesOf(w.EndDay, w.EndHour, w.EndMin)

	var deltaMin int
	if start <= end {
		deltaMin = end - offset
	} else {
		if offset >= start {
			deltaMin = (7*24*60 - offset) + end
		} else {
			deltaMin = end - offset
		}
	}
	return local.Add(time.Duration(deltaMin) * time.Minute)
}

func weekOffset(t time.Time) int {
	return int(t.Weekday())*24*60 + t.Hour()*60 + t.Minute()
}

func minutesOf(day time.Weekday, hour, min int) int {
	return int(day)*24*60 + hour*60 + min
}
