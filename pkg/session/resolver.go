package session

import (
	"context"
	"sort"
	"time"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/internal/telemetry"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/period"
	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/resource/pool"
)

// Action is the advice produced by the resolver.
type Action int

const (
	ActionNone Action = iota
	ActionEnterSession
	ActionCreateSession
)

func (a Action) String() string {
	switch a {
	case ActionEnterSession:
		return "enter_session"
	case ActionCreateSession:
		return "create_session"
	default:
		return "none"
	}
}

// MarshalText renders the action name.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Request is a reservation request: a role's resources over a period.
type Request struct {
	Role          string
	Period        period.Period
	Functional    map[int32]resource.Cardinality
	Distributable map[int32]resource.Cardinality
}

// NewRequest builds the request of an initialized Info.
func NewRequest(info *Info, cat resource.Catalog) (Request, error) {
	fp, dp, err := info.BuildPools(cat)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Role:          info.Role(),
		Period:        info.When(),
		Functional:    policies(fp),
		Distributable: policies(dp),
	}, nil
}

func policies(p *pool.Pool) map[int32]resource.Cardinality {
	out := make(map[int32]resource.Cardinality, p.Len())
	for id, e := range p.Snapshot() {
		out[id] = e.Policy
	}
	return out
}

// Candidate is a reserved or active session the request is checked against.
type Candidate struct {
	Key    string
	Role   string
	Period period.Period

	// Active sessions may be entered. Their Distributable pool carries live
	// holder counts.
	Active bool

	Functional    map[int32]resource.Cardinality
	Distributable *pool.Pool
}

// NewCandidate describes a reserved session that is not running yet.
func NewCandidate(info *Info, cat resource.Catalog) (Candidate, error) {
	fp, dp, err := info.BuildPools(cat)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{
		Key:           info.Key(),
		Role:          info.Role(),
		Period:        info.When(),
		Functional:    policies(fp),
		Distributable: dp,
	}, nil
}

// Possibility is the resolver's advice.
type Possibility struct {
	Action     Action        `json:"action"`
	Role       string        `json:"role"`
	Period     period.Period `json:"period"`
	SessionKey string        `json:"session_key,omitempty"`
}

// Resolver decides how a request may be served.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve advises entering an active session whose window contains the
// request and whose distributable pool has room for every requested
// resource (earliest-ending first), otherwise creating a new session when
// no limited or exclusive resource would be oversubscribed by overlapping
// sessions. A rejection is a *ReservationRejectedError.
func (r *Resolver) Resolve(ctx context.Context, req Request, cands []Candidate) (Possibility, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "resolve",
		telemetry.Role(req.Role),
		telemetry.Period(req.Period.String()))
	defer span.End()

	p, err := r.resolve(req, cands)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.DebugCtx(ctx, "reservation rejected",
			logger.KeyRole, req.Role,
			logger.KeyPeriod, req.Period.String(),
			logger.KeyError, err)
		return p, err
	}
	telemetry.SetAttributes(ctx, telemetry.Action(p.Action.String()))
	return p, nil
}

func (r *Resolver) resolve(req Request, cands []Candidate) (Possibility, error) {
	if err := req.Period.Validate(); err != nil {
		return Possibility{}, &cmserrors.ReservationRejectedError{
			Reason: cmserrors.RejectTime, Role: req.Role, ResourceID: -1, Cause: err,
		}
	}

	if c, ok := enterable(req, cands); ok {
		return Possibility{Action: ActionEnterSession, Role: req.Role, Period: req.Period, SessionKey: c.Key}, nil
	}

	if err := checkCapacity(req, cands); err != nil {
		return Possibility{}, err
	}
	return Possibility{Action: ActionCreateSession, Role: req.Role, Period: req.Period}, nil
}

func enterable(req Request, cands []Candidate) (Candidate, bool) {
	var best *Candidate
	for i := range cands {
		c := &cands[i]
		if !c.Active || c.Distributable == nil || !c.Period.ContainsPeriod(req.Period) {
			continue
		}
		if !hasRoom(c.Distributable, req.Functional) || !hasRoom(c.Distributable, req.Distributable) {
			continue
		}
		if best == nil || c.Period.End.Before(best.Period.End) {
			best = c
		}
	}
	if best == nil {
		return Candidate{}, false
	}
	return *best, true
}

func hasRoom(p *pool.Pool, ids map[int32]resource.Cardinality) bool {
	for id := range ids {
		if !p.Available(id) {
			return false
		}
	}
	return true
}

// checkCapacity rejects the request when, for some requested bounded
// resource, the peak number of overlapping sessions using it plus the
// request exceeds the strictest policy involved.
func checkCapacity(req Request, cands []Candidate) error {
	requested := make(map[int32]resource.Cardinality, len(req.Functional)+len(req.Distributable))
	for id, c := range req.Distributable {
		requested[id] = c
	}
	for id, c := range req.Functional {
		requested[id] = stricter(requested[id], c)
	}

	ids := make([]int32, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		limit := requested[id]
		var holders []holder
		for _, c := range cands {
			clipped, ok := c.Period.Intersection(req.Period)
			if !ok {
				continue
			}
			other, uses := c.uses(id)
			if !uses {
				continue
			}
			limit = stricter(limit, other)
			holders = append(holders, holder{key: c.Key, period: clipped})
		}
		if !limit.Bounded() {
			continue
		}
		peak, at := peakHolders(holders)
		if peak+1 > limit.Limit() {
			return &cmserrors.ReservationRejectedError{
				Reason:         cmserrors.RejectCapacity,
				Role:           req.Role,
				ResourceID:     id,
				ConflictingKey: conflictAt(holders, at),
			}
		}
	}
	return nil
}

// holder is a candidate's use of one resource, clipped to the request.
type holder struct {
	key    string
	period period.Period
}

// peakHolders sweeps the holders' bounds and returns the largest number of
// simultaneous holders and the first instant it is reached. Periods are
// half-open, so an end and a start at the same instant do not stack.
func peakHolders(holders []holder) (int, time.Time) {
	type bound struct {
		at    time.Time
		delta int
	}
	bounds := make([]bound, 0, 2*len(holders))
	for _, h := range holders {
		bounds = append(bounds, bound{h.period.Start, 1}, bound{h.period.End, -1})
	}
	sort.Slice(bounds, func(i, j int) bool {
		if bounds[i].at.Equal(bounds[j].at) {
			return bounds[i].delta < bounds[j].delta
		}
		return bounds[i].at.Before(bounds[j].at)
	})

	cur, peak := 0, 0
	var at time.Time
	for _, b := range bounds {
		cur += b.delta
		if cur > peak {
			peak, at = cur, b.at
		}
	}
	return peak, at
}

// conflictAt returns the first holder present at instant at.
func conflictAt(holders []holder, at time.Time) string {
	for _, h := range holders {
		if h.period.Contains(at) {
			return h.key
		}
	}
	return ""
}

func (c Candidate) uses(id int32) (resource.Cardinality, bool) {
	card, fok := c.Functional[id]
	if c.Distributable != nil {
		if p, ok := c.Distributable.Policy(id); ok {
			if fok {
				return stricter(card, p), true
			}
			return p, true
		}
	}
	return card, fok
}

// stricter returns the policy admitting fewer holders. The zero
// Cardinality is unlimited.
func stricter(a, b resource.Cardinality) resource.Cardinality {
	switch {
	case !a.Bounded():
		return b
	case !b.Bounded():
		return a
	case b.Limit() < a.Limit():
		return b
	default:
		return a
	}
}

// ResolveWindow scans start times from within.Start in steps of step and
// returns the earliest window of the request's duration that can be
// created. The last rejection is returned when none fits.
func (r *Resolver) ResolveWindow(ctx context.Context, req Request, cands []Candidate, within period.Period, step time.Duration) (Possibility, error) {
	if err := within.Validate(); err != nil {
		return Possibility{}, &cmserrors.ReservationRejectedError{
			Reason: cmserrors.RejectTime, Role: req.Role, ResourceID: -1, Cause: err,
		}
	}
	d := req.Period.Duration()
	if d <= 0 || step <= 0 {
		return Possibility{}, &cmserrors.ReservationRejectedError{
			Reason: cmserrors.RejectTime, Role: req.Role, ResourceID: -1,
			Cause: &cmserrors.InvalidTimeWindowError{Window: req.Period.String(), Reason: "empty request or step"},
		}
	}

	var last error = &cmserrors.ReservationRejectedError{
		Reason: cmserrors.RejectTime, Role: req.Role, ResourceID: -1,
		Cause: &cmserrors.InvalidTimeWindowError{Window: within.String(), Reason: "window shorter than the request"},
	}
	for start := within.Start; !start.Add(d).After(within.End); start = start.Add(step) {
		try := req
		try.Period = period.Period{Start: start, End: start.Add(d)}
		if err := checkCapacity(try, cands); err != nil {
			last = err
			continue
		}
		p := Possibility{Action: ActionCreateSession, Role: req.Role, Period: try.Period}
		logger.DebugCtx(ctx, "reservation window found",
			logger.KeyRole, req.Role,
			logger.KeyPeriod, try.Period.String())
		return p, nil
	}
	return Possibility{}, last
}
