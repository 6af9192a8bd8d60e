package history

import "time"

// SeparatorGap is the minimum gap between two entries that starts a new time group.
const SeparatorGap = 5 * time.Minute

// LabelKind selects how a separator label is rendered.
type LabelKind string

const (
	LabelTime      LabelKind = "time"
	LabelYesterday LabelKind = "yesterday"
	LabelWeekday   LabelKind = "weekday"
	LabelDate      LabelKind = "date"
)

// Separator goes before Entries[Index].
type Separator struct {
	Index int
	At    time.Time
	Kind  LabelKind
	Label string
}

// Separators derives time separators for entries. A separator precedes the
// first entry and every entry at least SeparatorGap after its predecessor.
// Entries without a time never start a group.
func Separators(entries []Entry, now time.Time, loc *time.Location) []Separator {
	if loc == nil {
		loc = time.Local
	}

	var (
		out  []Separator
		prev time.Time
	)
	for i, e := range entries {
		at := e.At()
		if at.IsZero() {
			continue
		}
		if i == 0 || prev.IsZero() || at.Sub(prev) >= SeparatorGap {
			kind, label := Label(at, now, loc)
			out = append(out, Separator{Index: i, At: at, Kind: kind, Label: label})
		}
		prev = at
	}
	return out
}

// Label resolves a separator label: same-day time, "Yesterday", weekday
// within the last 7 days, else the full date. Days after now (skewed sender
// clocks) get the full date.
func Label(t, now time.Time, loc *time.Location) (LabelKind, string) {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	now = now.In(loc)

	day := func(x time.Time) time.Time {
		y, m, d := x.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	today := day(now)
	that := day(t)

	switch {
	case that.Equal(today):
		return LabelTime, t.Format("15:04")
	case that.After(today):
		return LabelDate, t.Format("2006-01-02")
	case that.Equal(today.AddDate(0, 0, -1)):
		return LabelYesterday, "Yesterday"
	case that.After(today.AddDate(0, 0, -7)):
		return LabelWeekday, t.Weekday().String()
	default:
		return LabelDate, t.Format("2006-01-02")
	}
}
