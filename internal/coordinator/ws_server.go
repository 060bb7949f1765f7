package coordinator

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/tinode/bnode/internal/metrics"
)

// identityEcho snapshots a session's identity and placement into a
// registration payload for the registration_success frame.
func identityEcho(s *AgentSession) *RegistrationPayload {
	id := s.Identity()
	return &RegistrationPayload{
		NodeID:          id.nodeID,
		ClientInstallID: id.clientInstallID,
		UserID:          id.userID,
		Username:        id.username,
		DomainID:        id.domainID,
		ClusterID:       id.clusterID,
		ChannelID:       id.channelID,
	}
}

// HandleWS upgrades an incoming HTTP request to a WebSocket and runs the
// session lifecycle: accept, await registration, dispatch. One goroutine
// pair (read loop here, write loop spawned alongside) per accepted
// socket.
func (c *Coordinator) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("coordinator: ws upgrade failed: %v", err)
		return
	}

	net := c.cfg.Network
	maxBytes := net.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	conn.SetReadLimit(maxBytes)

	s := newAgentSession(conn, c.Registry, c.Hierarchy, time.Duration(c.cfg.Timing.ValidityCacheTTL))
	s.pingInterval = time.Duration(net.PingInterval)
	if s.pingInterval <= 0 {
		s.pingInterval = 20 * time.Second
	}
	s.pongTimeout = time.Duration(net.PongTimeout)
	if s.pongTimeout <= 0 {
		s.pongTimeout = 10 * time.Second
	}
	go s.writeLoop()
	s.readLoop(c.dispatch)
}

// dispatch routes one inbound frame from session s by its Type tag.
func (c *Coordinator) dispatch(s *AgentSession, f *Frame) {
	if IsRPCResponse(f) {
		c.Dispatcher.Route(s, f)
		return
	}

	switch f.Type {
	case TypeClientRegister:
		c.handleRegister(s, f)
	case TypeUserActivitiesBatch:
		c.handleActivityBatch(s, f)
	case TypeUserActivitiesBatchAck:
		if f.Batch != nil {
			c.FanOut.Ack(s, f.Batch.BatchID)
		}
	case TypeLogoutFeedback:
		id := s.Identity()
		c.Logout.HandleAck(id.clientInstallID)
	case TypeRequestSecurityCode:
		c.handlePairingRequest(s)
	case TypeAssignConfirmed:
		c.handleAssignConfirmed(s, f)
	case TypeClusterVerificationResp:
		// Routed by originator identity: a witness's response waits under
		// its node_id, the joiner's under client_<user_id>. At most one
		// live attestation holds either key for this session.
		id := s.Identity()
		if !c.Attester.router.RouteResponse(id.nodeID, f) &&
			!c.Attester.router.RouteResponse("client_"+id.userID, f) {
			log.Printf("coordinator: session %s: cluster_verification_response with no attestation waiting", s.sid)
		}
	case TypeSessionFeedback, TypeUserLoginNotification, TypeUserLogoutNotification,
		TypeClusterVerificationQuery, TypeClusterVerificationReq, TypeCookieUpdateResponse:
		// Agent-side notifications with no coordinator state to advance:
		// the cookie/logout acks that matter arrive as RPC responses or
		// logout_feedback frames and are handled above.
		log.Printf("coordinator: session %s: %s noted", s.sid, f.Type)
	default:
		log.Printf("coordinator: session %s: unknown frame type %q, dropped", s.sid, f.Type)
	}
}

// handleRegister validates and processes a c_client_register frame per
// the collision policy and, for fresh placements, hierarchy placement.
// Placement is launched in its own goroutine so the read loop keeps
// consuming frames concurrently.
func (c *Coordinator) handleRegister(s *AgentSession, f *Frame) {
	if f.Registration == nil {
		s.Send(&Frame{Type: TypeRegistrationRejected, Message: "missing registration payload"})
		return
	}
	reg := f.Registration

	// Pairing-code-as-username: clean up the client's stale sessions, then
	// process as a fresh registration under the code's real identity.
	if rec, err := c.Pairing.Redeem(context.Background(), reg.Username); err == nil {
		metrics.RegistrationOutcomes.WithLabelValues("pairing_code").Inc()
		stale := c.Registry.StaleClientSessions(reg.ClientInstallID, s)
		for _, old := range stale {
			old.Close(false, "superseded by pairing-code registration")
		}
		reg = &RegistrationPayload{
			NodeID:          reg.NodeID,
			ClientInstallID: reg.ClientInstallID,
			UserID:          rec.UserID,
			Username:        rec.Username,
			DomainID:        rec.DomainID,
			ClusterID:       rec.ClusterID,
			ChannelID:       rec.ChannelID,
		}
	}

	outcome, bound := c.Registry.Register(s, reg.NodeID, reg.ClientInstallID, reg.UserID, reg.Username)
	switch outcome {
	case RegisterDuplicateClosed:
		metrics.RegistrationOutcomes.WithLabelValues("duplicate_closed").Inc()
		s.Send(&Frame{Type: TypeRegistrationSuccess})
		s.Close(false, "duplicate registration")
		return
	case RegisterRejectedCrossNode:
		metrics.RegistrationOutcomes.WithLabelValues("rejected_cross_node").Inc()
		s.Send(&Frame{Type: TypeRegistrationRejected, Message: "client already bound to a different node"})
		s.Close(false, "cross-node rebinding rejected")
		return
	case RegisterRebound:
		metrics.RegistrationOutcomes.WithLabelValues("rebound").Inc()
		bound.Send(&Frame{Type: TypeRegistrationSuccess, Registration: identityEcho(bound)})
		if bound != s {
			s.Close(false, "absorbed into rebound session")
		}
		return
	}
	metrics.RegistrationOutcomes.WithLabelValues("accepted").Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := c.Hierarchy.Place(ctx, s, reg.DomainID, reg.ClusterID, reg.ChannelID); err != nil {
			s.Send(&Frame{Type: TypeRegistrationRejected, Message: err.Error()})
			s.Close(false, "placement failed")
			return
		}
		// The success frame echoes the session's real identity and final
		// placement, so a pairing-code registration learns who it became.
		s.Send(&Frame{Type: TypeRegistrationSuccess, Registration: identityEcho(s)})

		outcome := c.Broker.Bind(ctx, s, reg.UserID, reg.Username, "", "", c.cfg.ActiveAPI().NSNUrl, "", TypeAutoLogin)
		if outcome.Success && outcome.Delivered {
			log.Printf("coordinator: auto_login delivered for user %s", reg.UserID)
		}
	}()
}

func (c *Coordinator) handleActivityBatch(s *AgentSession, f *Frame) {
	if f.Batch == nil {
		return
	}
	reply := c.FanOut.Ingest(s, f.Batch.UserID, f.Batch.BatchID, f.Batch.SyncData)
	if err := s.Send(reply); err != nil {
		log.Printf("coordinator: ack to source %s failed: %v", s.sid, err)
	}
}

// handleAssignConfirmed reconciles an agent's own view of its hierarchy
// placement against the coordinator's record. This can race an in-flight
// Hierarchy.Place call for the same session — the race is accepted, not
// guarded against, since placement and reconciliation both end by writing
// the session's own fields and placement must run concurrently with the
// agent's next inbound frames.
func (c *Coordinator) handleAssignConfirmed(s *AgentSession, f *Frame) {
	if f.Hierarchy == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Hierarchy.Reconcile(ctx, s, f.Hierarchy.DomainID, f.Hierarchy.ClusterID, f.Hierarchy.ChannelID); err != nil {
		log.Printf("coordinator: session %s: assign_confirmed reconcile failed: %v", s.sid, err)
	}
}

func (c *Coordinator) handlePairingRequest(s *AgentSession) {
	id := s.Identity()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := c.Pairing.IssueOrReuse(ctx, id.userID, id.username, id.domainID, id.clusterID, id.channelID)
	if err != nil {
		s.Send(&Frame{Type: TypeSecurityCodeResponse, Message: err.Error()})
		return
	}
	s.Send(&Frame{Type: TypeSecurityCodeResponse, Pairing: &PairingPayload{Code: rec.Code}})
}
