// Package period implements half-open time periods [Start, End).
//
// Textual forms accepted by Parse:
//
//	(now ; 4 hour)                          start now, fixed duration
//	(2026-03-01T10:00:00Z ; 90 minute)      explicit start, fixed duration
//	(2026-03-01T10:00:00Z ; 1h30m)          explicit start, Go duration
//	[2026-03-01T10:00:00Z ; 2026-03-01T12:00:00Z)  explicit bounds
//
// String always renders the bounds form, which Parse accepts back.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
)

// Period is a half-open time interval: Start is inclusive, End exclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

// New returns a validated period.
func New(start, end time.Time) (Period, error) {
	p := Period{Start: start, End: end}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// FromDuration returns the period of length d starting at start.
func FromDuration(start time.Time, d time.Duration) (Period, error) {
	return New(start, start.Add(d))
}

// Validate returns an *InvalidTimeWindowError for zero-length or inverted periods.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return &cmserrors.InvalidTimeWindowError{Window: p.String(), Reason: "unset bound"}
	}
	if !p.Start.Before(p.End) {
		if p.Start.Equal(p.End) {
			return &cmserrors.InvalidTimeWindowError{Window: p.String(), Reason: "zero-length period"}
		}
		return &cmserrors.InvalidTimeWindowError{Window: p.String(), Reason: "start is after end"}
	}
	return nil
}

// Valid reports whether Start < End with both bounds set.
func (p Period) Valid() bool {
	return p.Validate() == nil
}

// Duration returns End - Start.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Contains reports whether t lies in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// ContainsPeriod reports whether o lies entirely within p.
func (p Period) ContainsPeriod(o Period) bool {
	return !o.Start.Before(p.Start) && !o.End.After(p.End)
}

// Overlaps reports whether p and o share at least one instant. Adjacent
// periods ([a,b) and [b,c)) do not overlap.
func (p Period) Overlaps(o Period) bool {
	return p.Start.Before(o.End) && o.Start.Before(p.End)
}

// Intersection returns the common part of p and o. ok is false when the
// periods do not overlap.
func (p Period) Intersection(o Period) (Period, bool) {
	if !p.Overlaps(o) {
		return Period{}, false
	}
	start := p.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := p.End
	if o.End.Before(end) {
		end = o.End
	}
	return Period{Start: start, End: end}, true
}

// Shift returns p moved by d.
func (p Period) Shift(d time.Duration) Period {
	return Period{Start: p.Start.Add(d), End: p.End.Add(d)}
}

// IsZero reports whether both bounds are unset.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// String renders p as "[start ; end)" with RFC 3339 bounds.
func (p Period) String() string {
	return "[" + formatTime(p.Start) + " ; " + formatTime(p.End) + ")"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. "now" is resolved
// against the wall clock at decode time.
func (p *Period) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text), time.Now())
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Parse parses the textual forms listed in the package documentation.
// The keyword "now" resolves to now.
func Parse(s string, now time.Time) (Period, error) {
	invalid := func(reason string) (Period, error) {
		return Period{}, &cmserrors.InvalidTimeWindowError{Window: s, Reason: reason}
	}

	text := strings.TrimSpace(s)
	if len(text) < 2 {
		return invalid("too short")
	}

	open, closing := text[0], text[len(text)-1]
	inner := text[1 : len(text)-1]
	first, second, found := strings.Cut(inner, ";")
	if !found {
		return invalid("missing ';' separator")
	}
	first = strings.TrimSpace(first)
	second = strings.TrimSpace(second)

	start, err := parseInstant(first, now)
	if err != nil {
		return invalid(err.Error())
	}

	var p Period
	switch {
	case open == '(' && closing == ')':
		d, err := parseDuration(second)
		if err != nil {
			return invalid(err.Error())
		}
		p = Period{Start: start, End: start.Add(d)}
	case open == '[' && closing == ')':
		end, err := parseInstant(second, now)
		if err != nil {
			return invalid(err.Error())
		}
		p = Period{Start: start, End: end}
	default:
		return invalid("expected '(start ; duration)' or '[start ; end)'")
	}

	if !p.Start.Before(p.End) {
		if p.Start.Equal(p.End) {
			return invalid("zero-length period")
		}
		return invalid("start is after end")
	}
	return p, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static tables.
func MustParse(s string, now time.Time) Period {
	p, err := Parse(s, now)
	if err != nil {
		panic(err)
	}
	return p
}

func parseInstant(s string, now time.Time) (time.Time, error) {
	if strings.EqualFold(s, "now") {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad instant %q", s)
	}
	return t, nil
}

var durationUnits = map[string]time.Duration{
	"ms":          time.Millisecond,
	"millisecond": time.Millisecond,
	"s":           time.Second,
	"sec":         time.Second,
	"second":      time.Second,
	"min":         time.Minute,
	"minute":      time.Minute,
	"h":           time.Hour,
	"hour":        time.Hour,
	"day":         24 * time.Hour,
	"week":        7 * 24 * time.Hour,
}

// parseDuration accepts "<n> <unit>" (unit singular or plural) or a Go duration.
func parseDuration(s string) (time.Duration, error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 1:
		d, err := time.ParseDuration(fields[0])
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		return d, nil
	case 2:
		n, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, fmt.Errorf("bad duration count %q", fields[0])
		}
		unitName := strings.ToLower(fields[1])
		unit, ok := durationUnits[unitName]
		if !ok {
			unit, ok = durationUnits[strings.TrimSuffix(unitName, "s")]
		}
		if !ok {
			return 0, fmt.Errorf("unknown duration unit %q", fields[1])
		}
		return time.Duration(n * float64(unit)), nil
	default:
		return 0, fmt.Errorf("bad duration %q", s)
	}
}
