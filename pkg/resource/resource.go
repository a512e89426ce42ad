// Package resource describes the read-only resource catalog: resources
// (addressable control/monitoring points) and the roles that group them.
package resource

import (
	"fmt"
	"strconv"
	"strings"
)

// AccessMode is the access a resource grants to its holders.
type AccessMode int

const (
	AccessRead AccessMode = iota + 1
	AccessWrite
	AccessReadWrite
)

func (a AccessMode) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "readwrite"
	default:
		return "unknown"
	}
}

// ParseAccessMode parses "read", "write" or "readwrite" (also "ro", "wo", "rw").
func ParseAccessMode(s string) (AccessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "ro", "r":
		return AccessRead, nil
	case "write", "wo", "w":
		return AccessWrite, nil
	case "readwrite", "read_write", "rw", "":
		return AccessReadWrite, nil
	default:
		return 0, fmt.Errorf("invalid access mode %q", s)
	}
}

// CardinalityKind classifies the concurrency limit on a resource.
type CardinalityKind int

const (
	// Unlimited resources never track a bound.
	Unlimited CardinalityKind = iota
	// Limited resources accept at most Max concurrent holders.
	Limited
	// Exclusive resources accept a single holder.
	Exclusive
)

// Cardinality is a cardinality policy.
type Cardinality struct {
	Kind CardinalityKind
	Max  int
}

// UnlimitedCardinality returns the unlimited policy.
func UnlimitedCardinality() Cardinality { return Cardinality{Kind: Unlimited} }

// ExclusiveCardinality returns the limited(1) policy.
func ExclusiveCardinality() Cardinality { return Cardinality{Kind: Exclusive, Max: 1} }

// LimitedCardinality returns the limited(max) policy.
func LimitedCardinality(max int) Cardinality { return Cardinality{Kind: Limited, Max: max} }

// Bounded reports whether the policy has a holder limit.
func (c Cardinality) Bounded() bool { return c.Kind != Unlimited }

// Limit returns the maximum number of holders, or -1 for unlimited.
func (c Cardinality) Limit() int {
	switch c.Kind {
	case Exclusive:
		return 1
	case Limited:
		return c.Max
	default:
		return -1
	}
}

// Validate rejects limited policies with a non-positive bound.
func (c Cardinality) Validate() error {
	if c.Kind == Limited && c.Max < 1 {
		return fmt.Errorf("limited cardinality requires max >= 1, got %d", c.Max)
	}
	return nil
}

// String renders the policy as "unlimited", "exclusive" or "limited=N".
func (c Cardinality) String() string {
	switch c.Kind {
	case Exclusive:
		return "exclusive"
	case Limited:
		return "limited=" + strconv.Itoa(c.Max)
	default:
		return "unlimited"
	}
}

// ParseCardinality parses the textual forms produced by String.
// An empty string is unlimited.
func ParseCardinality(s string) (Cardinality, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "unlimited":
		return UnlimitedCardinality(), nil
	case s == "exclusive" || s == "singleton":
		return ExclusiveCardinality(), nil
	case strings.HasPrefix(s, "limited="):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "limited="))
		if err != nil {
			return Cardinality{}, fmt.Errorf("invalid cardinality %q: %w", s, err)
		}
		c := LimitedCardinality(n)
		if err := c.Validate(); err != nil {
			return Cardinality{}, err
		}
		return c, nil
	default:
		return Cardinality{}, fmt.Errorf("invalid cardinality %q", s)
	}
}

// Resource is an addressable control/monitoring point. It is immutable once
// registered in a Manager.
type Resource struct {
	ID          int32
	Path        string
	Access      AccessMode
	Cardinality Cardinality
}

func (r Resource) String() string {
	return fmt.Sprintf("%s#%d(%s,%s)", r.Path, r.ID, r.Access, r.Cardinality)
}

// Role groups the resources a session running under it may touch.
//
// Functional paths are resources the session's own use case consumes;
// distributable paths are resources exposed to daughters or sub-sessions.
// A path ending with "/" or "/*" selects every resource under that prefix.
type Role struct {
	ID            int32
	Name          string
	Group         string
	Functional    []string
	Distributable []string
}

// IsPrefixPath reports whether a role path selects a subtree.
func IsPrefixPath(p string) bool {
	return strings.HasSuffix(p, "/") || strings.HasSuffix(p, "/*")
}

// PrefixOf strips the subtree marker from a prefix path.
func PrefixOf(p string) string {
	return strings.TrimSuffix(strings.TrimSuffix(p, "*"), "/") + "/"
}
