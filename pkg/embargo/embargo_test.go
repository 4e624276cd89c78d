package embargo

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(layout, value)
	if err != nil {
		t.Fatal(err)
	}
	return tm
}

func TestEmptyCalendarNeverEmbargoes(t *testing.T) {
	is := is.New(t)
	cal := Empty()
	is.True(!cal.InEmbargo(time.Now()))
}

func TestFridayToMondayWindow(t *testing.T) {
	is := is.New(t)
	cal, err := Parse("Friday 18:00 - Monday 09:00 UTC")
	is.NoErr(err)

	// Saturday 12:00 UTC, 2026-08-08 is a Saturday.
	sat := mustParse(t, "2006-01-02 15:04", "2026-08-08 12:00")
	is.True(cal.InEmbargo(sat))

	mon := mustParse(t, "2006-01-02 15:04", "2026-08-10 09:00")
	is.True(!cal.InEmbargo(mon))

	wed := mustParse(t, "2006-01-02 15:04", "2026-08-12 12:00")
	is.True(!cal.InEmbargo(wed))
}

func TestWaitUntilClear(t *testing.T) {
	is := is.New(t)
	cal, err := Parse("Friday 18:00 - Monday 09:00 UTC")
	is.NoErr(err)

	sat := mustParse(t, "2006-01-02 15:04", "2026-08-08 12:00")
	wait := cal.WaitUntilClear(sat)
	cleared := sat.Add(wait)

	is.True(!cal.InEmbargo(cleared))
	is.True(cal.InEmbargo(cleared.Add(-time.Minute)))
}

func TestOverlappingWindowsUnion(t *testing.T) {
	is := is.New(t)
	cal, err := Parse(
		"Friday 18:00 - Saturday 20:00 UTC",
		"Saturday 10:00 - Sunday 12:00 UTC",
	)
	is.NoErr(err)

	sat := mustParse(t, "2006-01-02 15:04", "2026-08-08 19:00")
	is.True(cal.InEmbargo(sat))

	wait := cal.WaitUntilClear(sat)
	cleared := sat.Add(wait)
	is.True(!cal.InEmbargo(cleared))
	// must have absorbed the second window's end (Sunday 12:00), not stopped at Saturday 20:00
	is.True(cleared.Weekday() == time.Sunday)
}

func TestStringRoundTrips(t *testing.T) {
	is := is.New(t)
	cal, err := Parse("Friday 18:00 - Monday 09:00 UTC")
	is.NoErr(err)

	again, err := Parse(cal.String())
	is.NoErr(err)

	probe := mustParse(t, "2006-01-02 15:04", "2026-08-08 12:00")
	is.Equal(cal.InEmbargo(probe), again.InEmbargo(probe))
}
