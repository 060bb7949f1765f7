package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinode/bnode/internal/metrics"
)

// transportState mirrors the small set of socket states the validity
// predicate cares about; gorilla/websocket has no explicit state enum so
// AgentSession tracks its own, set by the read/write loops and by close.
type transportState int

const (
	transportOpen transportState = iota
	transportClosing
	transportClosed
)

// pendingRPC is one in-flight request/response pair, keyed by req_id in
// AgentSession.pending. Resolution happens at most once; a timed-out entry
// is left in place for late-reply handling instead of being deleted
// by the timeout path.
type pendingRPC struct {
	reqID       string
	commandKind string
	createdAt   time.Time
	deadline    time.Time

	once   sync.Once
	result chan *Frame
}

// AgentSession is one long-lived WebSocket connection to one C-Node. It
// owns its outbound send queue, its pending-RPC table, the hierarchy
// placement fields, and the transient logout flags the validity predicate
// and the Logout Barrier operate on.
type AgentSession struct {
	sid string // internal session id, minted locally

	ws *websocket.Conn

	mu sync.Mutex

	nodeID          string
	clientInstallID string
	userID          string
	username        string

	domainID  string
	clusterID string
	channelID string

	isDomainHead  bool
	isClusterHead bool
	isChannelHead bool

	send chan *Frame
	stop chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingRPC

	// Transient logout/feedback-tracking flags.
	logoutInProgress bool
	closedByLogout   bool
	logoutAckTracker bool

	transport transportState

	// validity cache: memoized for at most validityCacheTTL.
	validCacheAt    time.Time
	validCacheValue bool

	registry  *Registry
	hierarchy *Hierarchy

	closeOnce sync.Once

	validityCacheTTL time.Duration

	// Keepalive: the writer pings every pingInterval; the reader expects
	// a pong (or any inbound frame) before pingInterval+pongTimeout.
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// newAgentSession builds an AgentSession bound to an already-upgraded
// websocket connection. The caller still must register it with the
// Registry once the registration frame is validated.
func newAgentSession(ws *websocket.Conn, registry *Registry, hierarchy *Hierarchy, validityCacheTTL time.Duration) *AgentSession {
	return &AgentSession{
		sid:              uuid.NewString(),
		ws:               ws,
		send:             make(chan *Frame, 64),
		stop:             make(chan struct{}),
		pending:          make(map[string]*pendingRPC),
		registry:         registry,
		hierarchy:        hierarchy,
		validityCacheTTL: validityCacheTTL,
	}
}

// Send enqueues a frame for the writer loop. Returns ErrSessionClosed if
// the session is already closed-by-logout or the transport is down.
func (s *AgentSession) Send(f *Frame) error {
	s.mu.Lock()
	closed := s.closedByLogout || s.transport != transportOpen
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- f:
		return nil
	case <-s.stop:
		return ErrSessionClosed
	default:
		// Outbound queue full: give the writer a bounded window to drain
		// before reporting the transport as wedged.
		select {
		case s.send <- f:
			return nil
		case <-s.stop:
			return ErrSessionClosed
		case <-time.After(2 * time.Second):
			return NewErr(KindTransportClosed, "send queue full", nil)
		}
	}
}

// Call issues an RPC: allocate req_id, register a pendingRPC, send, and
// block until the matching response arrives or the deadline elapses. On
// timeout the pendingRPC entry is NOT removed — the dispatcher's
// late-reply path still owns it.
func (s *AgentSession) Call(ctx context.Context, commandKind string, build func(*Frame), timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqID := uuid.NewString()
	p := &pendingRPC{
		reqID:       reqID,
		commandKind: commandKind,
		createdAt:   time.Now(),
		deadline:    time.Now().Add(timeout),
		result:      make(chan *Frame, 1),
	}

	s.pendingMu.Lock()
	s.pending[reqID] = p
	s.pendingMu.Unlock()
	metrics.PendingRPCs.Inc()

	f := &Frame{Type: commandKind, RequestID: reqID, Timestamp: time.Now()}
	if build != nil {
		build(f)
	}
	if err := s.Send(f); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, reqID)
		s.pendingMu.Unlock()
		metrics.PendingRPCs.Dec()
		return nil, err
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-p.result:
		return reply, nil
	case <-deadlineCtx.Done():
		// Leave p in s.pending: a late reply still resolves it via
		// resolvePending and reaches the registered late-reply handler.
		return nil, ErrTimeout
	case <-s.stop:
		return nil, ErrSessionClosed
	}
}

// resolvePending matches an inbound response frame against the pending
// table by RequestID and delivers it. Returns true if a pendingRPC was
// found (whether or not its caller was still waiting — the caller may
// already have observed a Timeout, in which case this is exactly the late
// reply the dispatcher must still process). The entry is always removed
// once a response is matched: a req_id resolves at most once even if it
// arrives twice.
func (s *AgentSession) resolvePending(f *Frame) (commandKind string, wasLate bool, ok bool) {
	s.pendingMu.Lock()
	p, found := s.pending[f.RequestID]
	if found {
		delete(s.pending, f.RequestID)
	}
	s.pendingMu.Unlock()
	if !found {
		return "", false, false
	}
	metrics.PendingRPCs.Dec()
	late := time.Now().After(p.deadline)
	p.once.Do(func() {
		p.result <- f
	})
	return p.commandKind, late, true
}

// validLocked implements the predicate: feedback-tracking takes priority
// over logout-closed, which takes priority over transport state. This
// order is load-bearing — it keeps a session visible to the registry long
// enough for the logout barrier to match its ack. Must be called with
// s.mu held.
func (s *AgentSession) validLocked() bool {
	if s.logoutInProgress || s.logoutAckTracker {
		return true
	}
	return !s.closedByLogout && s.transport == transportOpen
}

// Valid applies the memoized validity cache. bypassCache must be true for
// logout-barrier code.
func (s *AgentSession) Valid(bypassCache bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !bypassCache && s.validityCacheTTL > 0 && time.Since(s.validCacheAt) < s.validityCacheTTL {
		return s.validCacheValue
	}
	v := s.validLocked()
	s.validCacheAt = time.Now()
	s.validCacheValue = v
	return v
}

// invalidateValidityCache forces the next Valid(false) call to
// recompute, used whenever a flag the predicate reads changes.
func (s *AgentSession) invalidateValidityCache() {
	s.validCacheAt = time.Time{}
}

func (s *AgentSession) setLogoutInProgress(v bool) {
	s.mu.Lock()
	s.logoutInProgress = v
	s.invalidateValidityCache()
	s.mu.Unlock()
}

func (s *AgentSession) setLogoutAckTracker(v bool) {
	s.mu.Lock()
	s.logoutAckTracker = v
	s.invalidateValidityCache()
	s.mu.Unlock()
}

func (s *AgentSession) setClosedByLogout(v bool) {
	s.mu.Lock()
	s.closedByLogout = v
	s.invalidateValidityCache()
	s.mu.Unlock()
}

// sessionIdentity is a snapshot of the session's current placement/identity
// taken under lock, used by the Registry and Hierarchy without exposing
// the mutex.
type sessionIdentity struct {
	nodeID          string
	clientInstallID string
	userID          string
	username        string
	domainID        string
	clusterID       string
	channelID       string
	isDomainHead    bool
	isClusterHead   bool
	isChannelHead   bool
}

func (s *AgentSession) Identity() sessionIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionIdentity{
		nodeID:          s.nodeID,
		clientInstallID: s.clientInstallID,
		userID:          s.userID,
		username:        s.username,
		domainID:        s.domainID,
		clusterID:       s.clusterID,
		channelID:       s.channelID,
		isDomainHead:    s.isDomainHead,
		isClusterHead:   s.isClusterHead,
		isChannelHead:   s.isChannelHead,
	}
}

func (s *AgentSession) setIdentity(userID, username string) {
	s.mu.Lock()
	s.userID = userID
	s.username = username
	s.mu.Unlock()
}

func (s *AgentSession) setPlacement(domainID, clusterID, channelID string, isDomainHead, isClusterHead, isChannelHead bool) {
	s.mu.Lock()
	s.domainID = domainID
	s.clusterID = clusterID
	s.channelID = channelID
	s.isDomainHead = isDomainHead
	s.isClusterHead = isClusterHead
	s.isChannelHead = isChannelHead
	s.mu.Unlock()
}

// Close is idempotent: it marks the session closed (by-logout if reason
// says so), flushes pending sends, and triggers registry/hierarchy
// cleanup. Safe to call from the read loop, the write loop, or the
// logout barrier.
func (s *AgentSession) Close(byLogout bool, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if byLogout {
			s.closedByLogout = true
		}
		s.transport = transportClosed
		s.invalidateValidityCache()
		s.mu.Unlock()

		close(s.stop)

		s.pendingMu.Lock()
		stranded := len(s.pending)
		s.pending = make(map[string]*pendingRPC)
		s.pendingMu.Unlock()
		if stranded > 0 {
			metrics.PendingRPCs.Sub(float64(stranded))
		}

		if s.ws != nil {
			_ = s.ws.Close()
		}
		if s.registry != nil {
			s.registry.Unregister(s)
		}
		if s.hierarchy != nil {
			s.hierarchy.Remove(s)
		}
		if reason != "" {
			log.Printf("coordinator: session %s closed: %s", s.sid, reason)
		}
	})
}

// writeLoop drains the send channel onto the websocket and keeps the
// connection alive with periodic pings. One writer per session:
// gorilla/websocket connections are not safe for concurrent writers.
func (s *AgentSession) writeLoop() {
	var pingC <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}
	for {
		select {
		case f, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.ws.WriteJSON(f); err != nil {
				s.Close(false, fmt.Sprintf("write error: %v", err))
				return
			}
		case <-pingC:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.pongTimeout)); err != nil {
				s.Close(false, fmt.Sprintf("ping error: %v", err))
				return
			}
		case <-s.stop:
			return
		}
	}
}

// readLoop decodes inbound frames and hands them to dispatch. Runs until
// the socket errors, the agent stops answering pings, or Close is
// called.
func (s *AgentSession) readLoop(dispatch func(*AgentSession, *Frame)) {
	defer s.Close(false, "read loop exit")
	var liveness time.Duration
	if s.pingInterval > 0 {
		liveness = s.pingInterval + s.pongTimeout
		_ = s.ws.SetReadDeadline(time.Now().Add(liveness))
		s.ws.SetPongHandler(func(string) error {
			return s.ws.SetReadDeadline(time.Now().Add(liveness))
		})
	}
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if liveness > 0 {
			_ = s.ws.SetReadDeadline(time.Now().Add(liveness))
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("coordinator: session %s: malformed frame: %v", s.sid, err)
			continue
		}
		dispatch(s, &f)
	}
}
