package usecase

import (
	"strings"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
)

// PortID addresses a port: a functional port of the use case itself (plain
// key) or a port of a named daughter ("@daughter:key").
type PortID struct {
	Daughter string
	Key      string
}

// IsDaughterPort reports whether p addresses a daughter's port.
func (p PortID) IsDaughterPort() bool { return p.Daughter != "" }

// String renders ["@" daughter ":"] key.
func (p PortID) String() string {
	if p.Daughter == "" {
		return p.Key
	}
	return "@" + p.Daughter + ":" + p.Key
}

const reservedPortChars = "@:[]"

func malformed(input, reason string) error {
	return &cmserrors.MalformedPortAddressError{Input: input, Reason: reason}
}

func checkName(input, what, name string) error {
	if name == "" {
		return malformed(input, "empty "+what)
	}
	if strings.ContainsAny(name, reservedPortChars) || strings.Contains(name, "->") {
		return malformed(input, what+" contains a reserved character")
	}
	return nil
}

// ValidateName checks a daughter name or port key.
func ValidateName(name string) error {
	return checkName(name, "name", name)
}

// ParsePortID parses the output of PortID.String.
func ParsePortID(s string) (PortID, error) {
	if !strings.HasPrefix(s, "@") {
		if err := checkName(s, "port key", s); err != nil {
			return PortID{}, err
		}
		return PortID{Key: s}, nil
	}
	daughter, key, ok := strings.Cut(s[1:], ":")
	if !ok {
		return PortID{}, malformed(s, "missing ':' after daughter name")
	}
	if err := checkName(s, "daughter name", daughter); err != nil {
		return PortID{}, err
	}
	if err := checkName(s, "port key", key); err != nil {
		return PortID{}, err
	}
	return PortID{Daughter: daughter, Key: key}, nil
}

// MountLink wires From to the port (or absolute resource path) To of the
// enclosing use case, optionally descending into SubPath below it.
//
//	@Foo:T1->Dev1[Monitoring/Temperature]
type MountLink struct {
	From    PortID
	To      string
	SubPath string
}

// String renders from "->" to ["[" subpath "]"].
func (l MountLink) String() string {
	s := l.From.String() + "->" + l.To
	if l.SubPath != "" {
		s += "[" + l.SubPath + "]"
	}
	return s
}

// ParseMountLink parses the output of MountLink.String.
func ParseMountLink(s string) (MountLink, error) {
	from, rest, ok := strings.Cut(s, "->")
	if !ok {
		return MountLink{}, malformed(s, "missing '->'")
	}
	if strings.Contains(rest, "->") {
		return MountLink{}, malformed(s, "more than one '->'")
	}

	pid, err := ParsePortID(from)
	if err != nil {
		return MountLink{}, malformed(s, err.(*cmserrors.MalformedPortAddressError).Reason)
	}

	to, sub := rest, ""
	if i := strings.IndexByte(rest, '['); i >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return MountLink{}, malformed(s, "unterminated '[' subpath")
		}
		to, sub = rest[:i], rest[i+1:len(rest)-1]
		if sub == "" {
			return MountLink{}, malformed(s, "empty subpath")
		}
		if strings.ContainsAny(sub, "[]") {
			return MountLink{}, malformed(s, "nested brackets in subpath")
		}
	} else if strings.Contains(rest, "]") {
		return MountLink{}, malformed(s, "unexpected ']'")
	}
	if to == "" {
		return MountLink{}, malformed(s, "empty target")
	}
	if strings.ContainsAny(to, "@:") {
		return MountLink{}, malformed(s, "target contains a reserved character")
	}

	return MountLink{From: pid, To: to, SubPath: sub}, nil
}

// ParseMountLinks parses every link, collecting the first error.
func ParseMountLinks(ss []string) ([]MountLink, error) {
	out := make([]MountLink, 0, len(ss))
	for _, s := range ss {
		l, err := ParseMountLink(s)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
