package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Sessions & Clients
	// ========================================================================
	KeySessionID    = "session_id"    // Monotonic session ID assigned by the manager
	KeySessionKey   = "session_key"   // Reservation key
	KeyRole         = "role"          // Role name requested or granted
	KeyPeriod       = "period"        // Time period in [start ; end) form
	KeyAction       = "action"        // Resolver advice: none, enter, create
	KeyLogin        = "login"         // Client login
	KeyConnectionID = "connection_id" // Client connection identifier
	KeyState        = "state"         // Session or connection state

	// ========================================================================
	// Resources
	// ========================================================================
	KeyResourceID   = "resource_id"
	KeyResourcePath = "resource_path"
	KeyCardinality  = "cardinality" // unlimited, exclusive, limited=N
	KeyHolders      = "holders"
	KeyCount        = "count"

	// ========================================================================
	// Use Cases
	// ========================================================================
	KeyUseCase    = "usecase"    // Use-case instance path
	KeyModel      = "model"      // Use-case model name
	KeyTypeID     = "type_id"    // Registered use-case type ID
	KeyPort       = "port"       // Port address
	KeyStatus     = "status"     // Run status
	KeyIteration  = "iteration"  // Functional work loop iteration
	KeyScheduling = "scheduling" // parallel or sequential

	// ========================================================================
	// Transport
	// ========================================================================
	KeyAddress   = "address"
	KeyMessageID = "message_id"
	KeySeq       = "seq"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyComponent  = "component"
	KeyStoreType  = "store_type"
)

// ============================================================================
// Field constructors
// ============================================================================

// SessionID returns a slog.Attr for a session ID
func SessionID(id int32) slog.Attr {
	return slog.Int(KeySessionID, int(id))
}

// SessionKey returns a slog.Attr for a reservation key
func SessionKey(key string) slog.Attr {
	return slog.String(KeySessionKey, key)
}

// Role returns a slog.Attr for a role name
func Role(name string) slog.Attr {
	return slog.String(KeyRole, name)
}

// Period returns a slog.Attr for a time period.
// The value is formatted through its String method.
func Period(p interface{ String() string }) slog.Attr {
	return slog.String(KeyPeriod, p.String())
}

// Login returns a slog.Attr for a client login
func Login(login string) slog.Attr {
	return slog.String(KeyLogin, login)
}

// State returns a slog.Attr for a state machine state
func State(s interface{ String() string }) slog.Attr {
	return slog.String(KeyState, s.String())
}

// ResourceID returns a slog.Attr for a resource ID
func ResourceID(id int32) slog.Attr {
	return slog.Int(KeyResourceID, int(id))
}

// ResourcePath returns a slog.Attr for a resource path
func ResourcePath(p string) slog.Attr {
	return slog.String(KeyResourcePath, p)
}

// UseCase returns a slog.Attr for a use-case path
func UseCase(path string) slog.Attr {
	return slog.String(KeyUseCase, path)
}

// Model returns a slog.Attr for a use-case model name
func Model(name string) slog.Attr {
	return slog.String(KeyModel, name)
}

// Status returns a slog.Attr for a run status
func Status(s interface{ String() string }) slog.Attr {
	return slog.String(KeyStatus, s.String())
}

// Err returns a slog.Attr for an error. A nil error yields an empty attr,
// which handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(d.Microseconds())/1000.0)
}

// Component returns a slog.Attr for the emitting server component
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}
