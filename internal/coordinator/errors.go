package coordinator

import "errors"

// Kind is the coordinator's error taxonomy. It is a kind,
// not a class hierarchy: callers switch on Kind rather than type-asserting
// concrete error types.
type Kind int

const (
	// KindNone indicates success, not an error.
	KindNone Kind = iota
	// KindTransportClosed: WS closed unexpectedly or during handshake.
	KindTransportClosed
	// KindRPCTimeout: deadline elapsed; a late response may still arrive.
	KindRPCTimeout
	// KindRPCRejected: agent responded success=false.
	KindRPCRejected
	// KindAttestationFailed: record mismatch or no valid batch in time.
	KindAttestationFailed
	// KindPlacementFailed: every existing tier is full, placement at a
	// higher level also failed.
	KindPlacementFailed
	// KindCapacityExceeded: a specific tier is at its 1000-child cap.
	KindCapacityExceeded
	// KindStateInvariant: internal; causes eviction + alert, never
	// propagates to the agent.
	KindStateInvariant
	// KindUpstreamIdPError: IdP returned non-success.
	KindUpstreamIdPError
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransportClosed:
		return "transport_closed"
	case KindRPCTimeout:
		return "rpc_timeout"
	case KindRPCRejected:
		return "rpc_rejected"
	case KindAttestationFailed:
		return "attestation_failed"
	case KindPlacementFailed:
		return "placement_failed"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindStateInvariant:
		return "state_invariant"
	case KindUpstreamIdPError:
		return "upstream_idp_error"
	default:
		return "unknown"
	}
}

// CoordErr pairs a Kind with a human-readable message and an optional
// wrapped cause.
type CoordErr struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *CoordErr) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *CoordErr) Unwrap() error { return e.Cause }

// NewErr builds a CoordErr. A nil cause is fine; Message must describe
// the failure in terms an operator or agent can act on.
func NewErr(kind Kind, message string, cause error) *CoordErr {
	return &CoordErr{Kind: kind, Message: message, Cause: cause}
}

// IsError reports whether e represents a real failure.
func (e *CoordErr) IsError() bool {
	return e != nil && e.Kind != KindNone
}

// Sentinel errors used internally for simple control-flow signaling
// where a full CoordErr would be overkill (session closed, RPC timeout).
var (
	// ErrSessionClosed is returned by AgentSession.Send/Call when the session
	// transport is already gone.
	ErrSessionClosed = errors.New("coordinator: session closed")
	// ErrTimeout is returned by AgentSession.Call when the RPC deadline
	// elapses before a matching response arrives.
	ErrTimeout = errors.New("coordinator: rpc timed out")
)
