package coordinator

import (
	"log"
)

// Dispatcher is the RPC correlation layer. Per-call bookkeeping
// (the promise, the deadline, the req_id) lives on AgentSession itself
// (session.go's pendingRPC/Call/resolvePending) since a PendingRPC is
// process-local to the session that issued the request. Dispatcher is the
// inbound router: it recognizes which frames are RPC responses, routes
// them to the issuing session's pending table, and — this is the part
// with no per-session analog — hands replies that arrive after their
// caller observed a Timeout to the registered late-reply handlers so
// they are consumed rather than dropped.
type Dispatcher struct {
	lateHandlers map[string]LateReplyHandler
}

// LateReplyHandler is invoked when a reply arrives after its RPC's
// deadline already elapsed. kind is the commandKind the original Call
// was issued with (e.g. TypeNewDomainNode).
type LateReplyHandler func(s *AgentSession, kind string, reply *Frame)

// NewDispatcher builds a Dispatcher with no registered late handlers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{lateHandlers: make(map[string]LateReplyHandler)}
}

// OnLateReply registers the handler invoked for late replies of a given
// command kind. The coordinator registers one for each placement RPC type
// so a late new_*_node or assign_to_* reply is still observed.
func (d *Dispatcher) OnLateReply(kind string, handler LateReplyHandler) {
	d.lateHandlers[kind] = handler
}

// IsRPCResponse reports whether a frame carries the shape of an RPC
// response: a non-empty RequestID is the only signal needed, since every
// RPC reply (hierarchy mint/assign, count_peers, cookie push) echoes the
// request_id it answers. Attestation responses and logout acks carry no
// request_id; they are routed by originator identity instead.
func IsRPCResponse(f *Frame) bool {
	return f.RequestID != ""
}

// Route matches an inbound frame against s's pending-RPC table. If the
// match resolves a promise that had already timed out, Route invokes the
// registered late handler for that command kind (if any) instead of
// silently dropping the reply.
func (d *Dispatcher) Route(s *AgentSession, f *Frame) {
	kind, wasLate, ok := s.resolvePending(f)
	if !ok {
		log.Printf("coordinator: dispatcher: no pending rpc for req_id=%s (session %s)", f.RequestID, s.sid)
		return
	}
	if wasLate {
		if handler, ok := d.lateHandlers[kind]; ok {
			handler(s, kind, f)
		} else {
			log.Printf("coordinator: dispatcher: late reply for %s (req_id=%s) with no handler, dropped", kind, f.RequestID)
		}
	}
}
