package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// MaxTierChildren is the capacity invariant: at most 1000 children
// per hierarchy node (clusters in a domain, channels in a cluster, nodes
// in a channel).
const MaxTierChildren = 1000

// tierKind names which of the three overlay levels a tierNode belongs to,
// used for logging, peer-advisory frame selection, and child-tier counting.
type tierKind int

const (
	tierDomain tierKind = iota
	tierCluster
	tierChannel
)

func (k tierKind) String() string {
	switch k {
	case tierDomain:
		return "domain"
	case tierCluster:
		return "cluster"
	case tierChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// tierNode is one Domain, Cluster, or Channel: an ordered member set plus
// a node_id secondary index for O(1) removal.
type tierNode struct {
	kind tierKind
	id   string

	mu        sync.Mutex
	members   []*AgentSession
	byNodeIdx map[string]*AgentSession

	headSession *AgentSession

	parentID string // "" for domains
}

func newTierNode(kind tierKind, id, parentID string) *tierNode {
	return &tierNode{
		kind:      kind,
		id:        id,
		byNodeIdx: make(map[string]*AgentSession),
		parentID:  parentID,
	}
}

// add is idempotent per index key: a session already present under key is
// not appended twice (placement walks touch the same parent tiers more
// than once).
func (t *tierNode) add(s *AgentSession, key string, isHead bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byNodeIdx[key]; !ok || existing != s {
		t.members = append(t.members, s)
		t.byNodeIdx[key] = s
	}
	if isHead {
		t.headSession = s
	}
}

func (t *tierNode) remove(s *AgentSession, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byNodeIdx, key)
	for i, m := range t.members {
		if m == s {
			t.members = append(t.members[:i], t.members[i+1:]...)
			break
		}
	}
	if t.headSession == s {
		t.headSession = nil
	}
}

func (t *tierNode) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

func (t *tierNode) snapshotMembers() []*AgentSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*AgentSession, len(t.members))
	copy(out, t.members)
	return out
}

// livePeer returns a live member to drive a count_peers/placement RPC:
// head preferred, any valid peer accepted.
func (t *tierNode) livePeer(except *AgentSession) *AgentSession {
	t.mu.Lock()
	head := t.headSession
	members := make([]*AgentSession, len(t.members))
	copy(members, t.members)
	t.mu.Unlock()

	if head != nil && head != except && head.Valid(false) {
		return head
	}
	for _, m := range members {
		if m != except && m.Valid(false) {
			return m
		}
	}
	return nil
}

func (t *tierNode) isEmptyOrDeadHead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.members) == 0 {
		return true
	}
	if len(t.members) == 1 && t.headSession != nil && t.members[0] == t.headSession {
		return !t.headSession.Valid(true)
	}
	return false
}

// Hierarchy is the three-tier Domain/Cluster/Channel overlay: every
// connected node is a member of one channel inside one cluster inside
// one domain, with at most one head per tier. The tiers are in-memory
// only and rebuilt as agents reconnect.
type Hierarchy struct {
	mu       sync.RWMutex
	domains  map[string]*tierNode
	clusters map[string]*tierNode // keyed by cluster id, global namespace
	channels map[string]*tierNode // keyed by channel id, global namespace

	rpcTimeout time.Duration
}

// NewHierarchy builds an empty Hierarchy.
func NewHierarchy(rpcTimeout time.Duration) *Hierarchy {
	if rpcTimeout <= 0 {
		rpcTimeout = 30 * time.Second
	}
	return &Hierarchy{
		domains:    make(map[string]*tierNode),
		clusters:   make(map[string]*tierNode),
		channels:   make(map[string]*tierNode),
		rpcTimeout: rpcTimeout,
	}
}

// indexKey is the secondary-index key for a session in a tier pool: the
// agent's node_id once registration has set it, the internal sid before
// that.
func indexKey(s *AgentSession, id sessionIdentity) string {
	if id.nodeID != "" {
		return id.nodeID
	}
	return s.sid
}

func (h *Hierarchy) ensureTier(pool map[string]*tierNode, kind tierKind, id, parentID string) *tierNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := pool[id]
	if !ok {
		t = newTierNode(kind, id, parentID)
		pool[id] = t
	}
	return t
}

// Place runs the placement algorithm for a newly-registered session,
// driven by which hierarchy IDs the client already advertises. It issues
// whatever RPCs are needed to mint missing IDs and returns the final
// placement. Placement runs concurrently with the session's own read
// loop continuing to process inbound frames — callers invoke Place from
// a separate goroutine per registration, never from inside readLoop
// itself.
func (h *Hierarchy) Place(ctx context.Context, s *AgentSession, wantDomain, wantCluster, wantChannel string) error {
	if wantDomain != "" && wantCluster != "" && wantChannel != "" {
		return h.verifyOrJoin(ctx, s, wantDomain, wantCluster, wantChannel)
	}
	if wantDomain != "" && wantCluster != "" {
		return h.placeChannel(ctx, s, wantDomain, wantCluster)
	}
	if wantDomain != "" {
		return h.placeCluster(ctx, s, wantDomain)
	}
	return h.placeDomain(ctx, s)
}

func (h *Hierarchy) placeDomain(ctx context.Context, s *AgentSession) error {
	h.mu.RLock()
	candidates := make([]*tierNode, 0, len(h.domains))
	for _, d := range h.domains {
		candidates = append(candidates, d)
	}
	h.mu.RUnlock()

	for _, d := range candidates {
		if h.childTierCount(d.id, tierCluster) >= MaxTierChildren {
			continue
		}
		peer := d.livePeer(s)
		if peer == nil {
			continue
		}
		count, err := h.countPeers(ctx, peer, d.id, "", "")
		if err != nil {
			continue
		}
		if count >= MaxTierChildren {
			continue
		}
		if _, err := h.placementRPC(ctx, s, TypeAssignToDomain, d.id); err != nil {
			continue
		}
		// Record the domain on the session as soon as the agent accepts the
		// assignment, so an interrupted walk can be resumed from here.
		id := s.Identity()
		s.setPlacement(d.id, "", "", id.isDomainHead, false, false)
		return h.placeCluster(ctx, s, d.id)
	}

	// No domain has space: this session becomes a new Domain head, then
	// walks down into a new Cluster head and a new Channel head.
	domainID, err := h.placementRPC(ctx, s, TypeNewDomainNode, "")
	if err != nil {
		return NewErr(KindPlacementFailed, "mint new domain failed", err)
	}
	h.insertDomain(domainID, s)
	return h.placeCluster(ctx, s, domainID)
}

func (h *Hierarchy) placeCluster(ctx context.Context, s *AgentSession, domainID string) error {
	h.mu.RLock()
	var siblingClusters []*tierNode
	for _, c := range h.clusters {
		if c.parentID == domainID {
			siblingClusters = append(siblingClusters, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range siblingClusters {
		if h.childTierCount(c.id, tierChannel) >= MaxTierChildren {
			continue
		}
		peer := c.livePeer(s)
		if peer == nil {
			continue
		}
		count, err := h.countPeers(ctx, peer, domainID, c.id, "")
		if err != nil {
			continue
		}
		if count >= MaxTierChildren {
			continue
		}
		if _, err := h.placementRPC(ctx, s, TypeAssignToCluster, c.id); err != nil {
			continue
		}
		id := s.Identity()
		s.setPlacement(domainID, c.id, "", id.isDomainHead, id.isClusterHead, false)
		return h.placeChannel(ctx, s, domainID, c.id)
	}

	clusterID, err := h.placementRPC(ctx, s, TypeNewClusterNode, domainID)
	if err != nil {
		return NewErr(KindPlacementFailed, "mint new cluster failed", err)
	}
	h.insertCluster(clusterID, domainID, s)
	return h.placeChannel(ctx, s, domainID, clusterID)
}

func (h *Hierarchy) placeChannel(ctx context.Context, s *AgentSession, domainID, clusterID string) error {
	h.mu.RLock()
	var siblingChannels []*tierNode
	for _, ch := range h.channels {
		if ch.parentID == clusterID {
			siblingChannels = append(siblingChannels, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range siblingChannels {
		if ch.size() >= MaxTierChildren {
			continue
		}
		peer := ch.livePeer(s)
		if peer == nil {
			continue
		}
		count, err := h.countPeers(ctx, peer, domainID, clusterID, ch.id)
		if err != nil {
			continue
		}
		if count >= MaxTierChildren {
			continue
		}
		if _, err := h.placementRPC(ctx, s, TypeAssignToChannel, ch.id); err != nil {
			continue
		}
		if err := h.joinChannel(s, domainID, clusterID, ch.id, false); err != nil {
			// The channel filled up between the count probe and the join;
			// try the next sibling, else fall through to a fresh channel.
			continue
		}
		return nil
	}

	channelID, err := h.placementRPC(ctx, s, TypeNewChannelNode, clusterID)
	if err != nil {
		return NewErr(KindPlacementFailed, "mint new channel failed", err)
	}
	return h.joinChannel(s, domainID, clusterID, channelID, true)
}

// joinChannel finalizes placement: records the session as a member of all
// three pools it now inhabits, updates its identity fields, and fans out
// the join advisory — a new-channel advisory to the cluster when this
// session created the channel, a node-join advisory to the channel's
// existing members otherwise.
func (h *Hierarchy) joinChannel(s *AgentSession, domainID, clusterID, channelID string, isHead bool) error {
	dm := h.ensureTier(h.domains, tierDomain, domainID, "")
	cl := h.ensureTier(h.clusters, tierCluster, clusterID, domainID)
	ch := h.ensureTier(h.channels, tierChannel, channelID, clusterID)

	if !isHead && ch.size() >= MaxTierChildren {
		return NewErr(KindCapacityExceeded, "channel at capacity", nil)
	}

	id := s.Identity()
	key := indexKey(s, id)
	dm.add(s, key, id.isDomainHead)
	cl.add(s, key, id.isClusterHead)
	ch.add(s, key, isHead)
	s.setPlacement(domainID, clusterID, channelID, id.isDomainHead, id.isClusterHead, isHead)

	if isHead {
		h.fanOutPeerJoin(tierChannel, clusterID, channelID, s)
	} else {
		h.fanOutNodeJoin(channelID, key, s)
	}
	return nil
}

func (h *Hierarchy) insertDomain(domainID string, head *AgentSession) {
	d := h.ensureTier(h.domains, tierDomain, domainID, "")
	id := head.Identity()
	d.add(head, indexKey(head, id), true)
	head.setPlacement(domainID, "", "", true, false, false)
	h.fanOutPeerJoin(tierDomain, "", domainID, head)
}

func (h *Hierarchy) insertCluster(clusterID, domainID string, head *AgentSession) {
	c := h.ensureTier(h.clusters, tierCluster, clusterID, domainID)
	id := head.Identity()
	c.add(head, indexKey(head, id), true)
	head.setPlacement(domainID, clusterID, "", id.isDomainHead, true, false)
	h.fanOutPeerJoin(tierCluster, domainID, clusterID, head)
}

// verifyOrJoin handles a client that already advertises all three IDs:
// verify membership, else treat as a join. A session found already in
// place keeps whatever head flags it holds.
func (h *Hierarchy) verifyOrJoin(ctx context.Context, s *AgentSession, domainID, clusterID, channelID string) error {
	h.mu.RLock()
	ch, known := h.channels[channelID]
	h.mu.RUnlock()
	if known {
		id := s.Identity()
		key := indexKey(s, id)
		ch.mu.Lock()
		member, already := ch.byNodeIdx[key]
		ch.mu.Unlock()
		if already && member == s {
			s.setPlacement(domainID, clusterID, channelID, id.isDomainHead, id.isClusterHead, id.isChannelHead)
			return nil
		}
	}
	return h.joinChannel(s, domainID, clusterID, channelID, false)
}

// Reconcile applies an agent-originated assign_confirmed notification:
// the coordinator's placement record stays authoritative for registry
// indexing, but the session's own fields follow the agent's reported IDs
// last-writer-wins, with the tier pools re-indexed to match, so the two
// views do not keep diverging. No-op if the reported IDs already match
// the session's current record.
func (h *Hierarchy) Reconcile(ctx context.Context, s *AgentSession, domainID, clusterID, channelID string) error {
	if domainID == "" || clusterID == "" || channelID == "" {
		return NewErr(KindStateInvariant, "assign_confirmed missing a hierarchy id", nil)
	}
	id := s.Identity()
	if domainID == id.domainID && clusterID == id.clusterID && channelID == id.channelID {
		return nil
	}
	h.Remove(s)
	return h.verifyOrJoin(ctx, s, domainID, clusterID, channelID)
}

// countPeers issues a count_peers_amount RPC to peer for the given
// domain/cluster/channel scope (clusterID == "" means domain-level count,
// channelID == "" with a clusterID means cluster-level count).
func (h *Hierarchy) countPeers(ctx context.Context, peer *AgentSession, domainID, clusterID, channelID string) (int, error) {
	reply, err := peer.Call(ctx, TypeCountPeersAmount, func(f *Frame) {
		f.Hierarchy = &HierarchyPayload{DomainID: domainID, ClusterID: clusterID, ChannelID: channelID}
	}, h.rpcTimeout)
	if err != nil {
		return 0, err
	}
	if reply.Hierarchy == nil {
		return 0, NewErr(KindRPCRejected, "count_peers_amount: missing hierarchy payload", nil)
	}
	return reply.Hierarchy.Count, nil
}

// placementRPC issues one of the new_*_node / assign_to_* RPCs. For the
// mint RPCs, refID is the parent tier's id and the return value is the
// UUID the agent mints; for the assign RPCs, refID is the tier being
// assigned and the agent echoes it back on acceptance. A late reply to a
// timed-out RPC still lands via AgentSession.resolvePending and is routed
// to the registered late handler, which hands it to ResumeLatePlacement
// to finish the interrupted walk.
func (h *Hierarchy) placementRPC(ctx context.Context, s *AgentSession, rpcType, refID string) (string, error) {
	reply, err := s.Call(ctx, rpcType, func(f *Frame) {
		f.Hierarchy = &HierarchyPayload{}
		switch rpcType {
		case TypeNewClusterNode, TypeAssignToDomain:
			f.Hierarchy.DomainID = refID
		case TypeNewChannelNode, TypeAssignToCluster:
			f.Hierarchy.ClusterID = refID
		case TypeAssignToChannel:
			f.Hierarchy.ChannelID = refID
		}
	}, h.rpcTimeout)
	if err != nil {
		return "", err
	}
	if !reply.Success || reply.Hierarchy == nil {
		return "", NewErr(KindRPCRejected, fmt.Sprintf("%s rejected", rpcType), nil)
	}
	switch rpcType {
	case TypeNewDomainNode, TypeAssignToDomain:
		return reply.Hierarchy.DomainID, nil
	case TypeNewClusterNode, TypeAssignToCluster:
		return reply.Hierarchy.ClusterID, nil
	default:
		return reply.Hierarchy.ChannelID, nil
	}
}

// ResumeLatePlacement continues a placement walk whose own caller already
// observed a Timeout: a late new_domain_node reply still records the
// domain and proceeds to create the cluster and channel, and likewise for
// the later steps. The continuation runs in its own goroutine — the
// registered late handler is invoked synchronously on the owning
// session's read loop, and the remaining steps issue further blocking
// RPCs on that same session, so they must run off the loop just as the
// initial Place call does. The resume is skipped when the session has
// since been closed (the caller typically rejects the registration after
// observing PlacementFailed) or has completed placement by other means.
func (h *Hierarchy) ResumeLatePlacement(s *AgentSession, kind string, reply *Frame) {
	if reply.Hierarchy == nil || !reply.Success {
		return
	}
	if !s.Valid(true) {
		log.Printf("coordinator: late %s reply for closed session %s, placement not resumed", kind, s.sid)
		return
	}
	id := s.Identity()
	if id.channelID != "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		var err error
		switch kind {
		case TypeNewDomainNode:
			domainID := reply.Hierarchy.DomainID
			if domainID == "" {
				return
			}
			h.insertDomain(domainID, s)
			err = h.placeCluster(ctx, s, domainID)
		case TypeAssignToDomain:
			domainID := reply.Hierarchy.DomainID
			if domainID == "" {
				return
			}
			err = h.placeCluster(ctx, s, domainID)
		case TypeNewClusterNode:
			clusterID := reply.Hierarchy.ClusterID
			if clusterID == "" || id.domainID == "" {
				return
			}
			h.insertCluster(clusterID, id.domainID, s)
			err = h.placeChannel(ctx, s, id.domainID, clusterID)
		case TypeAssignToCluster:
			clusterID := reply.Hierarchy.ClusterID
			if clusterID == "" || id.domainID == "" {
				return
			}
			err = h.placeChannel(ctx, s, id.domainID, clusterID)
		case TypeNewChannelNode:
			channelID := reply.Hierarchy.ChannelID
			if channelID == "" || id.domainID == "" || id.clusterID == "" {
				return
			}
			err = h.joinChannel(s, id.domainID, id.clusterID, channelID, true)
		case TypeAssignToChannel:
			channelID := reply.Hierarchy.ChannelID
			if channelID == "" || id.domainID == "" || id.clusterID == "" {
				return
			}
			err = h.joinChannel(s, id.domainID, id.clusterID, channelID, false)
		default:
			return
		}
		if err != nil {
			log.Printf("coordinator: late %s placement resume for session %s failed: %v", kind, s.sid, err)
		}
	}()
}

// fanOutPeerJoin sends the tier-creation advisory to every existing
// member of the parent tier: a new domain is advertised to the members of
// every other domain, a new cluster to its domain's members, a new
// channel to its cluster's members.
func (h *Hierarchy) fanOutPeerJoin(kind tierKind, parentID, newID string, joiner *AgentSession) {
	var parents []*tierNode
	var frameType string
	var payload HierarchyPayload
	switch kind {
	case tierDomain:
		h.mu.RLock()
		for id, d := range h.domains {
			if id != newID {
				parents = append(parents, d)
			}
		}
		h.mu.RUnlock()
		frameType = TypeAddNewDomainToPeers
		payload = HierarchyPayload{DomainID: newID}
	case tierCluster:
		h.mu.RLock()
		if d := h.domains[parentID]; d != nil {
			parents = append(parents, d)
		}
		h.mu.RUnlock()
		frameType = TypeAddNewClusterToPeers
		payload = HierarchyPayload{DomainID: parentID, ClusterID: newID}
	case tierChannel:
		h.mu.RLock()
		if c := h.clusters[parentID]; c != nil {
			parents = append(parents, c)
		}
		h.mu.RUnlock()
		frameType = TypeAddNewChannelToPeers
		payload = HierarchyPayload{ClusterID: parentID, ChannelID: newID}
	}
	for _, parent := range parents {
		for _, m := range parent.snapshotMembers() {
			if m == joiner || !m.Valid(false) {
				continue
			}
			p := payload
			if err := m.Send(&Frame{Type: frameType, Hierarchy: &p}); err != nil {
				log.Printf("coordinator: peer-join advisory to %s failed: %v", m.sid, err)
			}
		}
	}
}

// fanOutNodeJoin advertises a node joining an existing channel to that
// channel's other members.
func (h *Hierarchy) fanOutNodeJoin(channelID, nodeKey string, joiner *AgentSession) {
	h.mu.RLock()
	ch := h.channels[channelID]
	h.mu.RUnlock()
	if ch == nil {
		return
	}
	for _, m := range ch.snapshotMembers() {
		if m == joiner || !m.Valid(false) {
			continue
		}
		f := &Frame{Type: TypeAddNewNodeToPeers, Hierarchy: &HierarchyPayload{ChannelID: channelID, NodeID: nodeKey}}
		if err := m.Send(f); err != nil {
			log.Printf("coordinator: node-join advisory to %s failed: %v", m.sid, err)
		}
	}
}

// Remove performs the empty-tier GC: unlinks s from the channel, cluster,
// and domain pools it belonged to. A pool is removed only if it is now
// empty, or contains only a dead-transport head with no live child tiers
// still referencing it. The per-tier node indices make each unlink
// constant time.
func (h *Hierarchy) Remove(s *AgentSession) {
	id := s.Identity()
	key := indexKey(s, id)

	h.mu.Lock()
	ch := h.channels[id.channelID]
	cl := h.clusters[id.clusterID]
	dm := h.domains[id.domainID]
	h.mu.Unlock()

	if ch != nil {
		ch.remove(s, key)
		if ch.isEmptyOrDeadHead() {
			h.mu.Lock()
			delete(h.channels, id.channelID)
			h.mu.Unlock()
		}
	}
	if cl != nil {
		cl.remove(s, key)
		if cl.isEmptyOrDeadHead() && !h.hasLiveChild(h.channels, cl.id) {
			h.mu.Lock()
			delete(h.clusters, id.clusterID)
			h.mu.Unlock()
		}
	}
	if dm != nil {
		dm.remove(s, key)
		if dm.isEmptyOrDeadHead() && !h.hasLiveChild(h.clusters, dm.id) {
			h.mu.Lock()
			delete(h.domains, id.domainID)
			h.mu.Unlock()
		}
	}
}

func (h *Hierarchy) hasLiveChild(children map[string]*tierNode, parentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range children {
		if c.parentID == parentID && c.size() > 0 {
			return true
		}
	}
	return false
}

// childTierCount counts the live child tiers under parentID: clusters in
// a domain, channels in a cluster.
func (h *Hierarchy) childTierCount(parentID string, childKind tierKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pool := h.clusters
	if childKind == tierChannel {
		pool = h.channels
	}
	n := 0
	for _, c := range pool {
		if c.parentID == parentID {
			n++
		}
	}
	return n
}

// TierCounts reports how many domains, clusters, and channels are live,
// for the periodic metrics snapshot.
func (h *Hierarchy) TierCounts() (domains, clusters, channels int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.domains), len(h.clusters), len(h.channels)
}

// ChannelPeers returns every other valid session sharing channelID,
// excluding except (used by Fan-out and Attestation).
func (h *Hierarchy) ChannelPeers(channelID string, except *AgentSession) []*AgentSession {
	h.mu.RLock()
	ch := h.channels[channelID]
	h.mu.RUnlock()
	if ch == nil {
		return nil
	}
	var out []*AgentSession
	for _, m := range ch.snapshotMembers() {
		if m != except && m.Valid(false) {
			out = append(out, m)
		}
	}
	return out
}
