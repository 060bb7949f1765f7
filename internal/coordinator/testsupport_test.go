package coordinator

import "time"

// newTestSession builds an AgentSession with no backing websocket, for
// unit tests that only exercise in-process state transitions (registry
// indexing, hierarchy placement, dispatcher routing). Send still works
// since it only writes to the buffered outbound channel; nothing drains
// the channel unless the test installs a fake agent via fakeAgent below.
func newTestSession(registry *Registry, hierarchy *Hierarchy) *AgentSession {
	return newAgentSession(nil, registry, hierarchy, 5*time.Second)
}

// fakeAgent drains s.send in the background and answers every RPC with
// respond, simulating a C-Node's reply without a real WebSocket. It
// stops when the test calls its returned stop function.
func fakeAgent(s *AgentSession, respond func(*Frame) *Frame) (stop func()) {
	return fakeRoutedAgent(s, nil, respond)
}

// fakeRoutedAgent is fakeAgent plus attestation support: replies to
// cluster_verification_query/request frames are handed to router under
// the key the coordinator's dispatch would derive (node_id for a witness
// response, client_<user_id> for the joiner's), mirroring the real
// inbound cluster_verification_response path. All other replies resolve
// the session's pending-RPC table directly.
func fakeRoutedAgent(s *AgentSession, router *AttestationRouter, respond func(*Frame) *Frame) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case f := <-s.send:
				reply := respond(f)
				if reply == nil {
					continue
				}
				if router != nil && (f.Type == TypeClusterVerificationQuery || f.Type == TypeClusterVerificationReq) {
					reply.Type = TypeClusterVerificationResp
					key := s.Identity().nodeID
					if f.Type == TypeClusterVerificationReq {
						key = "client_" + s.Identity().userID
					}
					router.RouteResponse(key, reply)
					continue
				}
				reply.RequestID = f.RequestID
				s.resolvePending(reply)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
