package usecase

import (
	"fmt"
	"time"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/period"
)

// TimeConstraints bounds the functional work of a use case. A zero Max
// means no maximum is known; zero Start/Stop mean no fixed time.
type TimeConstraints struct {
	Min   time.Duration
	Max   time.Duration
	Start time.Time
	Stop  time.Time
}

// HasMax reports whether a maximum duration is set.
func (tc TimeConstraints) HasMax() bool { return tc.Max > 0 }

// HasStartTime reports whether a fixed start time is set.
func (tc TimeConstraints) HasStartTime() bool { return !tc.Start.IsZero() }

// HasStopTime reports whether a fixed stop time is set.
func (tc TimeConstraints) HasStopTime() bool { return !tc.Stop.IsZero() }

// Validate checks Min <= Max and Start < Stop when set.
func (tc TimeConstraints) Validate() error {
	if tc.Min < 0 || tc.Max < 0 {
		return &cmserrors.InvalidTimeWindowError{Window: tc.String(), Reason: "negative duration"}
	}
	if tc.HasMax() && tc.Min > tc.Max {
		return &cmserrors.InvalidTimeWindowError{Window: tc.String(), Reason: "min duration exceeds max duration"}
	}
	if tc.HasStartTime() && tc.HasStopTime() && !tc.Start.Before(tc.Stop) {
		return &cmserrors.InvalidTimeWindowError{Window: tc.String(), Reason: "start time is not before stop time"}
	}
	return nil
}

// FitsIn reports whether the work can be scheduled within p: the minimum
// duration fits, and fixed start/stop times lie inside p.
func (tc TimeConstraints) FitsIn(p period.Period) bool {
	if tc.Min > p.Duration() {
		return false
	}
	if tc.HasStartTime() && !p.Contains(tc.Start) {
		return false
	}
	if tc.HasStopTime() && tc.Stop.After(p.End) {
		return false
	}
	return true
}

func (tc TimeConstraints) String() string {
	s := fmt.Sprintf("min=%s max=%s", tc.Min, tc.Max)
	if tc.HasStartTime() {
		s += " start=" + tc.Start.UTC().Format(time.RFC3339)
	}
	if tc.HasStopTime() {
		s += " stop=" + tc.Stop.UTC().Format(time.RFC3339)
	}
	return s
}

// Parallel aggregates constraints of work run side by side: the result
// needs as long as the longest member.
func Parallel(cs ...TimeConstraints) TimeConstraints {
	var out TimeConstraints
	for _, c := range cs {
		if c.Min > out.Min {
			out.Min = c.Min
		}
		if c.Max > out.Max {
			out.Max = c.Max
		}
	}
	return out
}

// Sequence aggregates constraints of work run one after the other.
func Sequence(cs ...TimeConstraints) TimeConstraints {
	var out TimeConstraints
	for _, c := range cs {
		out.Min += c.Min
		out.Max += c.Max
	}
	return out
}
