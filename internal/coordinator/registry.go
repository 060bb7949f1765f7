package coordinator

import (
	"log"
	"sync"
)

// Registry holds three parallel indices over live AgentSessions — by
// node, by user, and by client-install — with liveness-filtered lookup
// and the registration collision policy.
type Registry struct {
	mu       sync.RWMutex
	byNode   map[string]map[*AgentSession]struct{}
	byUser   map[string]map[*AgentSession]struct{}
	byClient map[string]map[*AgentSession]struct{}

	credentials interface {
		IsLoggedOut(userID string) bool
	}
}

// NewRegistry builds an empty Registry. loggedOutChecker may be nil in
// tests; in production it is backed by the credential store so the
// peer_login advisory can honor "unless the user is flagged logged_out".
func NewRegistry(loggedOutChecker interface{ IsLoggedOut(string) bool }) *Registry {
	return &Registry{
		byNode:      make(map[string]map[*AgentSession]struct{}),
		byUser:      make(map[string]map[*AgentSession]struct{}),
		byClient:    make(map[string]map[*AgentSession]struct{}),
		credentials: loggedOutChecker,
	}
}

// RegisterOutcome tells the caller (the registration handler) what socket
// action to take.
type RegisterOutcome int

const (
	// RegisterAccepted: the new session was admitted normally.
	RegisterAccepted RegisterOutcome = iota
	// RegisterDuplicateClosed: exact duplicate — ack success, then close
	// the new socket.
	RegisterDuplicateClosed
	// RegisterRebound: same client+node, different user — the *existing*
	// session was rebound; the new socket should be acked then closed.
	RegisterRebound
	// RegisterRejectedCrossNode: same client, different node — reject the
	// new socket outright.
	RegisterRejectedCrossNode
)

// Register applies the collision policy for a freshly-validated
// registration. It returns the outcome and, for RegisterRebound, the
// existing session that absorbed the new identity (the caller acks that
// one, not the new socket's own AgentSession).
func (r *Registry) Register(s *AgentSession, nodeID, clientInstallID, userID, username string) (RegisterOutcome, *AgentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for existing := range r.byClient[clientInstallID] {
		id := existing.Identity()
		if !existing.Valid(true) {
			continue
		}
		if id.nodeID != nodeID {
			return RegisterRejectedCrossNode, nil
		}
		if id.userID == userID {
			return RegisterDuplicateClosed, existing
		}
		// Same client, same node, different user: rebind in place.
		r.unindexUserLocked(existing)
		existing.setIdentity(userID, username)
		r.indexUserLocked(existing)
		return RegisterRebound, existing
	}

	s.setIdentity(userID, username)
	s.mu.Lock()
	s.nodeID = nodeID
	s.clientInstallID = clientInstallID
	s.mu.Unlock()

	r.indexLocked(s, nodeID, r.byNode)
	r.indexLocked(s, userID, r.byUser)
	r.indexLocked(s, clientInstallID, r.byClient)

	r.notifyPeerLoginLocked(s, userID, username)

	return RegisterAccepted, s
}

func (r *Registry) indexLocked(s *AgentSession, key string, idx map[string]map[*AgentSession]struct{}) {
	if key == "" {
		return
	}
	bucket, ok := idx[key]
	if !ok {
		bucket = make(map[*AgentSession]struct{})
		idx[key] = bucket
	}
	bucket[s] = struct{}{}
}

func (r *Registry) indexUserLocked(s *AgentSession) {
	id := s.Identity()
	r.indexLocked(s, id.userID, r.byUser)
}

func (r *Registry) unindexUserLocked(s *AgentSession) {
	id := s.Identity()
	if bucket, ok := r.byUser[id.userID]; ok {
		delete(bucket, s)
		if len(bucket) == 0 {
			delete(r.byUser, id.userID)
		}
	}
}

// notifyPeerLoginLocked sends a peer_login advisory to every other valid
// session of this user, unless the user is credential-store logged_out.
// Must be called with r.mu held.
func (r *Registry) notifyPeerLoginLocked(newSession *AgentSession, userID, username string) {
	if r.credentials != nil && r.credentials.IsLoggedOut(userID) {
		return
	}
	bucket := r.byUser[userID]
	if len(bucket) <= 1 {
		return
	}
	id := newSession.Identity()
	for existing := range bucket {
		if existing == newSession || !existing.Valid(true) {
			continue
		}
		f := &Frame{
			Type: TypePeerLogin,
			Peer: &PeerPayload{UserID: userID, ClientInstallID: id.clientInstallID},
		}
		if err := existing.Send(f); err != nil {
			log.Printf("coordinator: peer_login advisory to %s failed: %v", existing.sid, err)
		}
	}
}

// Unregister removes s from all three indices, pruning empty buckets.
func (r *Registry) Unregister(s *AgentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.Identity()
	removeFrom(r.byNode, id.nodeID, s)
	removeFrom(r.byUser, id.userID, s)
	removeFrom(r.byClient, id.clientInstallID, s)
}

func removeFrom(idx map[string]map[*AgentSession]struct{}, key string, s *AgentSession) {
	if key == "" {
		return
	}
	bucket, ok := idx[key]
	if !ok {
		return
	}
	delete(bucket, s)
	if len(bucket) == 0 {
		delete(idx, key)
	}
}

// StaleClientSessions returns every session currently indexed under
// clientInstallID other than except; the pairing-code flow closes them
// as stale devices on the same physical host before reprocessing the
// registration.
func (r *Registry) StaleClientSessions(clientInstallID string, except *AgentSession) []*AgentSession {
	r.mu.RLock()
	bucket := r.byClient[clientInstallID]
	stale := make([]*AgentSession, 0, len(bucket))
	for s := range bucket {
		if s != except {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()
	return stale
}

func validSessions(bucket map[*AgentSession]struct{}) []*AgentSession {
	out := make([]*AgentSession, 0, len(bucket))
	for s := range bucket {
		if s.Valid(false) {
			out = append(out, s)
		}
	}
	return out
}

// LookupByNode returns every valid session belonging to nodeID.
func (r *Registry) LookupByNode(nodeID string) []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return validSessions(r.byNode[nodeID])
}

// LookupByUser returns every valid session belonging to userID.
func (r *Registry) LookupByUser(userID string) []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return validSessions(r.byUser[userID])
}

// LookupByClient returns every valid session belonging to clientInstallID.
func (r *Registry) LookupByClient(clientInstallID string) []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return validSessions(r.byClient[clientInstallID])
}

// LookupByUserFresh is LookupByUser but bypasses each session's validity
// cache, as required for logout-barrier target selection.
func (r *Registry) LookupByUserFresh(userID string) []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.byUser[userID]
	out := make([]*AgentSession, 0, len(bucket))
	for s := range bucket {
		if s.Valid(true) {
			out = append(out, s)
		}
	}
	return out
}

// RegistrySnapshot is a point-in-time report for operator dashboards.
type RegistrySnapshot struct {
	Nodes   int `json:"nodes"`
	Users   int `json:"users"`
	Clients int `json:"clients"`
	Total   int `json:"total_sessions"`
}

// Snapshot reports current index sizes.
func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	seen := make(map[*AgentSession]struct{})
	for _, bucket := range r.byNode {
		for s := range bucket {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				total++
			}
		}
	}
	return RegistrySnapshot{
		Nodes:   len(r.byNode),
		Users:   len(r.byUser),
		Clients: len(r.byClient),
		Total:   total,
	}
}
