// Package reservation defines the persisted form of a confirmed session
// reservation.
package reservation

import (
	"time"

	"github.com/vire-cms/vire/pkg/period"
)

// Reservation is a confirmed request for a future session. The property set
// is stored verbatim so the session info can be rebuilt when the window
// opens.
type Reservation struct {
	Key        string         `gorm:"column:session_key;primaryKey;size:255" json:"key" yaml:"key"`
	SessionID  int32          `gorm:"uniqueIndex;not null" json:"session_id" yaml:"session_id"`
	Role       string         `gorm:"size:255;not null;index" json:"role" yaml:"role"`
	Start      time.Time      `gorm:"column:starts_at;not null;index" json:"start" yaml:"start"`
	End        time.Time      `gorm:"column:ends_at;not null;index" json:"end" yaml:"end"`
	Owner      string         `gorm:"size:255" json:"owner,omitempty" yaml:"owner,omitempty"`
	Root       bool           `gorm:"default:false" json:"root,omitempty" yaml:"root,omitempty"`
	Properties map[string]any `gorm:"serializer:json" json:"properties" yaml:"properties"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at" yaml:"created_at"`
}

// TableName returns the table name for Reservation.
func (Reservation) TableName() string {
	return "reservations"
}

// Period returns the reserved window.
func (r *Reservation) Period() period.Period {
	return period.Period{Start: r.Start, End: r.End}
}

// Expired reports whether the window closed at or before now.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.End)
}

// Due reports whether the window is open at now.
func (r *Reservation) Due(now time.Time) bool {
	return r.Period().Contains(now)
}

// Clone returns a copy whose property map is independent of r's.
func (r *Reservation) Clone() *Reservation {
	c := *r
	c.Properties = cloneMap(r.Properties)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = cloneMap(nested)
		}
		out[k] = v
	}
	return out
}
