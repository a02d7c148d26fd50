package draw

import (
	"fmt"
	"time"
)

const week = 7 * 24 * time.Hour

// Period is one ISO week in UTC. Start is Monday 00:00:00 and End is the
// last second before the next Monday.
type Period struct {
	Week  int       `json:"weekNumber"`
	Year  int       `json:"year"`
	Start time.Time `json:"weekStart"`
	End   time.Time `json:"weekEnd"`
}

// PeriodAt returns the ISO week containing t.
func PeriodAt(t time.Time) Period {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	start := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
	year, wk := t.ISOWeek()
	return Period{Week: wk, Year: year, Start: start, End: start.Add(week - time.Second)}
}

// PeriodOf returns ISO week wk of year.
func PeriodOf(year, wk int) (Period, error) {
	if wk < 1 || wk > 53 {
		return Period{}, fmt.Errorf("draw: week %d out of range", wk)
	}
	// January 4th always falls in week 1.
	p := PeriodAt(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
	p = PeriodAt(p.Start.Add(time.Duration(wk-1) * week))
	if p.Week != wk || p.Year != year {
		return Period{}, fmt.Errorf("draw: year %d has no week %d", year, wk)
	}
	return p, nil
}

// Previous returns the week before p.
func (p Period) Previous() Period {
	return PeriodAt(p.Start.Add(-time.Hour))
}

// Key identifies the period as weekNumber-year.
func (p Period) Key() string {
	return fmt.Sprintf("%d-%d", p.Week, p.Year)
}
