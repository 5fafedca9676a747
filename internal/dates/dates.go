// Package dates parses the small set of natural-language timeframes
// business questions actually use: ISO and day-first dates, "as of"
// anchors, explicit from/to ranges, and relative month/week phrases.
// All values are calendar dates at midnight UTC.
package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ISO is the canonical date layout used throughout.
const ISO = "2006-01-02"

// Range is an inclusive calendar date range.
type Range struct {
	Start time.Time
	End   time.Time
}

// StartString returns the range start as an ISO date.
func (r Range) StartString() string { return r.Start.Format(ISO) }

// EndString returns the range end as an ISO date.
func (r Range) EndString() string { return r.End.Format(ISO) }

// Today returns the current date at midnight UTC.
func Today() time.Time {
	return Day(time.Now().UTC())
}

// Day truncates a timestamp to its calendar date at midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseISO parses a strict YYYY-MM-DD date.
func ParseISO(s string) (time.Time, bool) {
	t, err := time.Parse(ISO, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var dmyPattern = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{4})$`)

func parseDMY(s string) (time.Time, bool) {
	m := dmyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return time.Time{}, false
	}
	d, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	y, _ := strconv.Atoi(m[3])
	if mo < 1 || mo > 12 || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (Feb 30 -> Mar 2); reject it.
	if t.Day() != d || t.Month() != time.Month(mo) {
		return time.Time{}, false
	}
	return t, true
}

func monthBounds(anyDay time.Time) Range {
	start := time.Date(anyDay.Year(), anyDay.Month(), 1, 0, 0, 0, 0, time.UTC)
	nextStart := start.AddDate(0, 1, 0)
	return Range{Start: start, End: nextStart.AddDate(0, 0, -1)}
}

// LastMonthRange returns the full calendar month before ref's month.
func LastMonthRange(ref time.Time) Range {
	firstThis := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	return monthBounds(firstThis.AddDate(0, 0, -1))
}

// ThisMonthRange returns ref's full calendar month.
func ThisMonthRange(ref time.Time) Range {
	return monthBounds(ref)
}

// weekStart returns the Monday on or before ref.
func weekStart(ref time.Time) time.Time {
	offset := (int(ref.Weekday()) + 6) % 7
	return Day(ref).AddDate(0, 0, -offset)
}

// LastWeekRange returns the Monday-to-Sunday week before ref's week.
func LastWeekRange(ref time.Time) Range {
	startThis := weekStart(ref)
	return Range{Start: startThis.AddDate(0, 0, -7), End: startThis.AddDate(0, 0, -1)}
}

// ThisWeekRange returns ref's Monday-to-Sunday week.
func ThisWeekRange(ref time.Time) Range {
	start := weekStart(ref)
	return Range{Start: start, End: start.AddDate(0, 0, 6)}
}

// ParseNaturalDate resolves a single date expression (today/yesterday/
// tomorrow, ISO, or day-first) against ref. Returns false for
// anything it cannot parse.
func ParseNaturalDate(value string, ref time.Time) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return time.Time{}, false
	}
	switch s {
	case "today", "as of today", "asof today":
		return Day(ref), true
	case "yesterday":
		return Day(ref).AddDate(0, 0, -1), true
	case "tomorrow":
		return Day(ref).AddDate(0, 0, 1), true
	}
	if t, ok := ParseISO(s); ok {
		return t, true
	}
	if t, ok := parseDMY(s); ok {
		return t, true
	}
	return time.Time{}, false
}

var (
	asOfPattern     = regexp.MustCompile(`\bas\s+of\s+([a-z0-9/-]+)\b`)
	isoRangePattern = regexp.MustCompile(`\b(?:from|between)\s+(\d{4}-\d{2}-\d{2})\s+(?:to|and)\s+(\d{4}-\d{2}-\d{2})\b`)
	lastMonthPhrase = regexp.MustCompile(`\blast\s+month\b`)
	thisMonthPhrase = regexp.MustCompile(`\bthis\s+month\b`)
	lastWeekPhrase  = regexp.MustCompile(`\blast\s+week\b`)
	thisWeekPhrase  = regexp.MustCompile(`\bthis\s+week\b`)
	todayPhrase     = regexp.MustCompile(`\btoday\b`)
	yesterdayPhrase = regexp.MustCompile(`\byesterday\b`)
)

// ExtractTimeframe scans free text for a timeframe. An explicit
// "as of <date>" wins over everything; explicit from/to ranges beat
// relative phrases. Exactly one of the returns is non-nil when a
// timeframe is found.
func ExtractTimeframe(text string, ref time.Time) (asOf *time.Time, rng *Range) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return nil, nil
	}

	if m := asOfPattern.FindStringSubmatch(t); m != nil {
		if d, ok := ParseNaturalDate(m[1], ref); ok {
			return &d, nil
		}
	}

	if m := isoRangePattern.FindStringSubmatch(t); m != nil {
		d1, ok1 := ParseISO(m[1])
		d2, ok2 := ParseISO(m[2])
		if ok1 && ok2 && !d1.After(d2) {
			return nil, &Range{Start: d1, End: d2}
		}
	}

	switch {
	case lastMonthPhrase.MatchString(t):
		r := LastMonthRange(ref)
		return nil, &r
	case thisMonthPhrase.MatchString(t):
		r := ThisMonthRange(ref)
		return nil, &r
	case lastWeekPhrase.MatchString(t):
		r := LastWeekRange(ref)
		return nil, &r
	case thisWeekPhrase.MatchString(t):
		r := ThisWeekRange(ref)
		return nil, &r
	}

	if todayPhrase.MatchString(t) {
		d := Day(ref)
		return &d, nil
	}
	if yesterdayPhrase.MatchString(t) {
		d := Day(ref).AddDate(0, 0, -1)
		return &d, nil
	}
	return nil, nil
}
