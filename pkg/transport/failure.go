package transport

import (
	"fmt"
	"time"
)

// Payload type IDs carried in Body.TypeID.
const (
	TypeResourceExecFailure = "vire::cms::resource_exec_failure"
	TypeResourceStatus      = "vire::cms::resource_status_record"
	TypeSessionEvent        = "vire::cms::session_event"
)

// ResourceStatusRecord is the last known status of a resource.
type ResourceStatusRecord struct {
	Path      string    `cbor:"1,keyasint" json:"path"`
	Timestamp time.Time `cbor:"2,keyasint" json:"timestamp"`
	Missing   bool      `cbor:"3,keyasint,omitempty" json:"missing,omitempty"`
	Disabled  bool      `cbor:"4,keyasint,omitempty" json:"disabled,omitempty"`
	Pending   bool      `cbor:"5,keyasint,omitempty" json:"pending,omitempty"`
	Failed    bool      `cbor:"6,keyasint,omitempty" json:"failed,omitempty"`
}

// IsValid reports whether the resource is usable: present, enabled, not
// pending and not failed.
func (r ResourceStatusRecord) IsValid() bool {
	return !r.Missing && !r.Disabled && !r.Pending && !r.Failed
}

// FailureKind is the closed set of reasons a resource execution can fail.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureInvalidContext
	FailureInvalidCredentials
	FailureUnknownResource
	FailureNoPubsubResource
	FailureResourceBusy
	FailureTimeout
	// FailureInvalidStatus reports that the resource status record
	// attached to the failure forbids execution.
	FailureInvalidStatus
)

func (k FailureKind) String() string {
	switch k {
	case FailureInvalidContext:
		return "invalid_context"
	case FailureInvalidCredentials:
		return "invalid_credentials"
	case FailureUnknownResource:
		return "unknown_resource"
	case FailureNoPubsubResource:
		return "no_pubsub_resource"
	case FailureResourceBusy:
		return "resource_busy"
	case FailureTimeout:
		return "timeout"
	case FailureInvalidStatus:
		return "invalid_status"
	default:
		return "unknown"
	}
}

// ResourceExecFailure is the response payload of a failed resource
// execution request.
type ResourceExecFailure struct {
	Status ResourceStatusRecord `cbor:"1,keyasint" json:"status"`
	Kind   FailureKind          `cbor:"2,keyasint" json:"kind"`
	Detail string               `cbor:"3,keyasint,omitempty" json:"detail,omitempty"`
}

func (f ResourceExecFailure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("resource %s: %s: %s", f.Status.Path, f.Kind, f.Detail)
	}
	return fmt.Sprintf("resource %s: %s", f.Status.Path, f.Kind)
}

// NewStatusFailure returns an invalid-status failure for rec, or ok=false
// when rec is valid.
func NewStatusFailure(rec ResourceStatusRecord) (ResourceExecFailure, bool) {
	if rec.IsValid() {
		return ResourceExecFailure{}, false
	}
	var detail string
	switch {
	case rec.Missing:
		detail = "missing"
	case rec.Disabled:
		detail = "disabled"
	case rec.Pending:
		detail = "pending"
	default:
		detail = "failed"
	}
	return ResourceExecFailure{Status: rec, Kind: FailureInvalidStatus, Detail: detail}, true
}
