// Package errors provides the error kinds of the CMS core.
//
// This is a leaf package with no internal dependencies so that the resource
// pool, the session layer and the use-case tree can all share it without
// circular imports. Every kind has its own concrete type carrying the fields
// that describe the failure; the ErrorCode is only used for classification.
//
// Import graph: errors <- pool <- session <- usecase <- manager
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents the kind of error that occurred.
type ErrorCode int

const (
	// ErrDuplicateResource indicates a resource is already registered in a pool.
	ErrDuplicateResource ErrorCode = iota + 1

	// ErrCapacityExceeded indicates an acquire would exceed the cardinality policy.
	ErrCapacityExceeded

	// ErrUnderflow indicates a release on a resource with no holder.
	ErrUnderflow

	// ErrUnknownResource indicates a path or ID that the catalog cannot resolve.
	ErrUnknownResource

	// ErrInvalidRole indicates a role unknown to the resource manager.
	ErrInvalidRole

	// ErrInvalidTimeWindow indicates a malformed, inverted or empty period.
	ErrInvalidTimeWindow

	// ErrMalformedPortAddress indicates an unparsable port or mount link address.
	ErrMalformedPortAddress

	// ErrMissingTimeConstraint indicates a composite use case cannot derive a duration.
	ErrMissingTimeConstraint

	// ErrUnknownModel indicates a use-case model name absent from the model DB.
	ErrUnknownModel

	// ErrUnregisteredType indicates a use-case type ID absent from the factory.
	ErrUnregisteredType

	// ErrDependency indicates cyclic or unsatisfied use-case model dependencies.
	ErrDependency

	// ErrAlreadyInitialized indicates a mutation of an initialized object.
	ErrAlreadyInitialized

	// ErrNotInitialized indicates use of an object that is not initialized.
	ErrNotInitialized

	// ErrReservationRejected indicates a reservation request that cannot be granted.
	ErrReservationRejected

	// ErrUnknownSession indicates a session key or ID that does not exist.
	ErrUnknownSession

	// ErrInvalidCredentials indicates a login/password pair that does not match.
	ErrInvalidCredentials
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrDuplicateResource:
		return "DuplicateResource"
	case ErrCapacityExceeded:
		return "CapacityExceeded"
	case ErrUnderflow:
		return "Underflow"
	case ErrUnknownResource:
		return "UnknownResource"
	case ErrInvalidRole:
		return "InvalidRole"
	case ErrInvalidTimeWindow:
		return "InvalidTimeWindow"
	case ErrMalformedPortAddress:
		return "MalformedPortAddress"
	case ErrMissingTimeConstraint:
		return "MissingTimeConstraint"
	case ErrUnknownModel:
		return "UnknownModel"
	case ErrUnregisteredType:
		return "UnregisteredType"
	case ErrDependency:
		return "Dependency"
	case ErrAlreadyInitialized:
		return "AlreadyInitialized"
	case ErrNotInitialized:
		return "NotInitialized"
	case ErrReservationRejected:
		return "ReservationRejected"
	case ErrUnknownSession:
		return "UnknownSession"
	case ErrInvalidCredentials:
		return "InvalidCredentials"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// Coded is implemented by every error type of this package.
type Coded interface {
	error
	Code() ErrorCode
}

// CodeOf returns the code of the first Coded error in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var c Coded
	if stderrors.As(err, &c) {
		return c.Code()
	}
	return 0
}

// HasCode reports whether err's chain contains an error with the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ============================================================================
// Resource pool errors
// ============================================================================

// DuplicateResourceError is returned when a resource is registered twice.
type DuplicateResourceError struct {
	ResourceID int32
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("%s: resource %d is already registered", e.Code(), e.ResourceID)
}

// Code implements Coded.
func (e *DuplicateResourceError) Code() ErrorCode { return ErrDuplicateResource }

// CapacityExceededError is returned when an acquire would exceed the policy bound.
type CapacityExceededError struct {
	ResourceID int32
	Max        int
	Holders    int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%s: resource %d has %d/%d holders", e.Code(), e.ResourceID, e.Holders, e.Max)
}

// Code implements Coded.
func (e *CapacityExceededError) Code() ErrorCode { return ErrCapacityExceeded }

// UnderflowError is returned when a resource with no holder is released.
type UnderflowError struct {
	ResourceID int32
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("%s: resource %d has no holder to release", e.Code(), e.ResourceID)
}

// Code implements Coded.
func (e *UnderflowError) Code() ErrorCode { return ErrUnderflow }

// UnknownResourceError is returned when a resource path or ID cannot be resolved.
// Exactly one of Path and ResourceID is meaningful; ResourceID is -1 when Path is set.
type UnknownResourceError struct {
	Path       string
	ResourceID int32
}

// NewUnknownResourcePath creates an UnknownResourceError for a path.
func NewUnknownResourcePath(path string) *UnknownResourceError {
	return &UnknownResourceError{Path: path, ResourceID: -1}
}

// NewUnknownResourceID creates an UnknownResourceError for an ID.
func NewUnknownResourceID(id int32) *UnknownResourceError {
	return &UnknownResourceError{ResourceID: id}
}

func (e *UnknownResourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: no resource with path %q", e.Code(), e.Path)
	}
	return fmt.Sprintf("%s: no resource with id %d", e.Code(), e.ResourceID)
}

// Code implements Coded.
func (e *UnknownResourceError) Code() ErrorCode { return ErrUnknownResource }

// ============================================================================
// Configuration / validation errors
// ============================================================================

// InvalidRoleError is returned when a role is unknown to the resource manager.
type InvalidRoleError struct {
	Role string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("%s: role %q is not known", e.Code(), e.Role)
}

// Code implements Coded.
func (e *InvalidRoleError) Code() ErrorCode { return ErrInvalidRole }

// InvalidTimeWindowError is returned for malformed, inverted or empty periods.
type InvalidTimeWindowError struct {
	Window string
	Reason string
}

func (e *InvalidTimeWindowError) Error() string {
	return fmt.Sprintf("%s: %q: %s", e.Code(), e.Window, e.Reason)
}

// Code implements Coded.
func (e *InvalidTimeWindowError) Code() ErrorCode { return ErrInvalidTimeWindow }

// MalformedPortAddressError is returned when a port or mount link address does not parse.
type MalformedPortAddressError struct {
	Input  string
	Reason string
}

func (e *MalformedPortAddressError) Error() string {
	return fmt.Sprintf("%s: %q: %s", e.Code(), e.Input, e.Reason)
}

// Code implements Coded.
func (e *MalformedPortAddressError) Code() ErrorCode { return ErrMalformedPortAddress }

// MissingTimeConstraintError is returned when a use case has no derivable duration.
type MissingTimeConstraintError struct {
	UseCase  string
	Daughter string
}

func (e *MissingTimeConstraintError) Error() string {
	if e.Daughter != "" {
		return fmt.Sprintf("%s: use case %q: daughter %q has no maximum duration", e.Code(), e.UseCase, e.Daughter)
	}
	return fmt.Sprintf("%s: use case %q has no maximum duration", e.Code(), e.UseCase)
}

// Code implements Coded.
func (e *MissingTimeConstraintError) Code() ErrorCode { return ErrMissingTimeConstraint }

// ============================================================================
// Model / factory errors
// ============================================================================

// UnknownModelError is returned when a model name is absent from the model DB.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("%s: no use-case model named %q", e.Code(), e.Model)
}

// Code implements Coded.
func (e *UnknownModelError) Code() ErrorCode { return ErrUnknownModel }

// UnregisteredTypeError is returned when a model's type ID is not in the factory.
type UnregisteredTypeError struct {
	TypeID string
	Model  string
}

func (e *UnregisteredTypeError) Error() string {
	return fmt.Sprintf("%s: type %q of model %q is not registered", e.Code(), e.TypeID, e.Model)
}

// Code implements Coded.
func (e *UnregisteredTypeError) Code() ErrorCode { return ErrUnregisteredType }

// DependencyError reports every dependency problem found while locking a model DB.
type DependencyError struct {
	// Cyclic holds the sorted names of models that are part of a dependency cycle.
	Cyclic []string

	// Unsatisfied maps a model name to the sorted dependencies it names but
	// which are not present in the DB.
	Unsatisfied map[string][]string
}

func (e *DependencyError) Error() string {
	var parts []string
	if len(e.Cyclic) > 0 {
		parts = append(parts, "cyclic: "+strings.Join(e.Cyclic, ", "))
	}
	if len(e.Unsatisfied) > 0 {
		names := make([]string, 0, len(e.Unsatisfied))
		for name := range e.Unsatisfied {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s needs %s", name, strings.Join(e.Unsatisfied[name], ", ")))
		}
	}
	return fmt.Sprintf("%s: %s", e.Code(), strings.Join(parts, "; "))
}

// Code implements Coded.
func (e *DependencyError) Code() ErrorCode { return ErrDependency }

// UnsatisfiedModels returns the sorted names of models with missing dependencies.
func (e *DependencyError) UnsatisfiedModels() []string {
	names := make([]string, 0, len(e.Unsatisfied))
	for name := range e.Unsatisfied {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// Misuse errors
// ============================================================================

// AlreadyInitializedError is returned when an initialized object is mutated
// or initialized twice.
type AlreadyInitializedError struct {
	Object string
	Field  string
}

func (e *AlreadyInitializedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: cannot set %s: %s is already initialized", e.Code(), e.Field, e.Object)
	}
	return fmt.Sprintf("%s: %s is already initialized", e.Code(), e.Object)
}

// Code implements Coded.
func (e *AlreadyInitializedError) Code() ErrorCode { return ErrAlreadyInitialized }

// NotInitializedError is returned when an object is used before initialization
// or after reset.
type NotInitializedError struct {
	Object string
	Reason string
}

func (e *NotInitializedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s is not initialized: %s", e.Code(), e.Object, e.Reason)
	}
	return fmt.Sprintf("%s: %s is not initialized", e.Code(), e.Object)
}

// Code implements Coded.
func (e *NotInitializedError) Code() ErrorCode { return ErrNotInitialized }

// ============================================================================
// Session errors
// ============================================================================

// RejectReason classifies why a reservation was rejected.
type RejectReason int

const (
	// RejectTime indicates an invalid requested period.
	RejectTime RejectReason = iota + 1
	// RejectCapacity indicates a limited or exclusive resource would be oversubscribed.
	RejectCapacity
	// RejectRole indicates the requested role cannot be resolved.
	RejectRole
)

func (r RejectReason) String() string {
	switch r {
	case RejectTime:
		return "time"
	case RejectCapacity:
		return "capacity"
	case RejectRole:
		return "role"
	default:
		return "unknown"
	}
}

// ReservationRejectedError is returned when a reservation cannot be granted.
type ReservationRejectedError struct {
	Reason RejectReason
	Role   string

	// ResourceID is the oversubscribed resource for RejectCapacity, -1 otherwise.
	ResourceID int32

	// ConflictingKey is the key of the session that holds the resource, if any.
	ConflictingKey string

	// Cause is the underlying validation error for RejectTime and RejectRole.
	Cause error
}

func (e *ReservationRejectedError) Error() string {
	switch e.Reason {
	case RejectCapacity:
		return fmt.Sprintf("%s: role %q: resource %d is oversubscribed by session %q",
			e.Code(), e.Role, e.ResourceID, e.ConflictingKey)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s: role %q: %s: %v", e.Code(), e.Role, e.Reason, e.Cause)
		}
		return fmt.Sprintf("%s: role %q: %s", e.Code(), e.Role, e.Reason)
	}
}

// Code implements Coded.
func (e *ReservationRejectedError) Code() ErrorCode { return ErrReservationRejected }

// Unwrap returns the underlying validation error.
func (e *ReservationRejectedError) Unwrap() error { return e.Cause }

// UnknownSessionError is returned when a session key or ID does not exist.
type UnknownSessionError struct {
	Key string
	ID  int32
}

func (e *UnknownSessionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: no session with key %q", e.Code(), e.Key)
	}
	return fmt.Sprintf("%s: no session with id %d", e.Code(), e.ID)
}

// Code implements Coded.
func (e *UnknownSessionError) Code() ErrorCode { return ErrUnknownSession }

// InvalidCredentialsError is returned when a login/password pair does not match.
type InvalidCredentialsError struct {
	Login string
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("%s: login %q", e.Code(), e.Login)
}

// Code implements Coded.
func (e *InvalidCredentialsError) Code() ErrorCode { return ErrInvalidCredentials }

// ============================================================================
// Error type checking helpers
// ============================================================================

// IsCapacityError returns true if err is a capacity error.
func IsCapacityError(err error) bool { return HasCode(err, ErrCapacityExceeded) }

// IsUnknownResourceError returns true if err is an unknown resource error.
func IsUnknownResourceError(err error) bool { return HasCode(err, ErrUnknownResource) }

// IsConfigurationError returns true for the configuration/validation class of errors.
func IsConfigurationError(err error) bool {
	switch CodeOf(err) {
	case ErrInvalidRole, ErrInvalidTimeWindow, ErrUnknownResource, ErrMalformedPortAddress, ErrMissingTimeConstraint:
		return true
	default:
		return false
	}
}

// IsMisuseError returns true for double initialization and use-after-reset errors.
func IsMisuseError(err error) bool {
	switch CodeOf(err) {
	case ErrAlreadyInitialized, ErrNotInitialized:
		return true
	default:
		return false
	}
}
