package coordinator

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinode/bnode/internal/urlfilter"
)

// activityBatch is the in-flight record Fan-out owns for one ingested
// batch. It holds a weak reference to its source session in spirit
// only — Go has no weak pointers, so the source field is simply allowed
// to go stale; Fan-out never dereferences it once the source has
// disconnected.
type activityBatch struct {
	batchID      string
	sourceSID    string
	userID       string
	items        []map[string]interface{}
	forwardedTo  map[string]struct{} // peer session ids
	acksReceived map[string]struct{}
	createdAt    time.Time
}

// FanOut forwards user-activity batches to peer C-Nodes of the same
// Channel and accounts per-batch acks, evicting a batch once every
// forwarded peer has acknowledged it.
type FanOut struct {
	hierarchy *Hierarchy
	filter    *urlfilter.Filter

	mu      sync.Mutex
	batches map[string]*activityBatch

	maxAge time.Duration
}

// NewFanOut builds a FanOut. maxAge defaults to 24h.
func NewFanOut(hierarchy *Hierarchy, filter *urlfilter.Filter, maxAge time.Duration) *FanOut {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &FanOut{
		hierarchy: hierarchy,
		filter:    filter,
		batches:   make(map[string]*activityBatch),
		maxAge:    maxAge,
	}
}

// Ingest handles an inbound user_activities_batch frame. It always
// returns a response frame for the source immediately; the peer
// forwarding happens before Ingest returns but its outcome never gates
// the source's ack content.
func (fo *FanOut) Ingest(source *AgentSession, userID, batchID string, items []map[string]interface{}) *Frame {
	if batchID == "" {
		batchID = uuid.NewString()
	}

	filtered := fo.filterItems(items)
	if len(filtered) == 0 {
		return &Frame{
			Type:    TypeUserActivitiesBatchAck,
			Message: "filtered",
			Batch:   &BatchPayload{BatchID: batchID, Filtered: true},
		}
	}

	id := source.Identity()
	peers := fo.hierarchy.ChannelPeers(id.channelID, source)

	b := &activityBatch{
		batchID:      batchID,
		sourceSID:    source.sid,
		userID:       userID,
		items:        filtered,
		forwardedTo:  make(map[string]struct{}, len(peers)),
		acksReceived: make(map[string]struct{}, len(peers)),
		createdAt:    time.Now(),
	}

	for _, peer := range peers {
		f := &Frame{
			Type: TypeUserActivitiesBatch,
			Batch: &BatchPayload{
				BatchID:  batchID,
				UserID:   userID,
				SyncData: filtered,
			},
		}
		if err := peer.Send(f); err != nil {
			log.Printf("coordinator: fanout: forward to %s failed: %v", peer.sid, err)
			continue
		}
		b.forwardedTo[peer.sid] = struct{}{}
	}

	if len(b.forwardedTo) > 0 {
		fo.mu.Lock()
		fo.batches[batchID] = b
		fo.mu.Unlock()
	}

	note := "received and forwarded"
	if len(filtered) != len(items) {
		note = "received and forwarded (filtered)"
	}
	return &Frame{
		Type:    TypeUserActivitiesBatchAck,
		Message: note,
		Batch:   &BatchPayload{BatchID: batchID},
	}
}

func (fo *FanOut) filterItems(items []map[string]interface{}) []map[string]interface{} {
	if fo.filter == nil {
		return items
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		u, _ := item["url"].(string)
		if fo.filter.Allow(u) {
			out = append(out, item)
		}
	}
	return out
}

// Ack records a peer's batch_feedback; when acksReceived equals
// forwardedTo the batch is evicted.
func (fo *FanOut) Ack(peer *AgentSession, batchID string) {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	b, ok := fo.batches[batchID]
	if !ok {
		return
	}
	if _, forwarded := b.forwardedTo[peer.sid]; !forwarded {
		return
	}
	b.acksReceived[peer.sid] = struct{}{}
	if len(b.acksReceived) >= len(b.forwardedTo) {
		delete(fo.batches, batchID)
	}
}

// RunJanitor evicts batches older than maxAge on a periodic tick until
// stop is closed.
func (fo *FanOut) RunJanitor(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fo.evictStale()
		}
	}
}

func (fo *FanOut) evictStale() {
	cutoff := time.Now().Add(-fo.maxAge)
	fo.mu.Lock()
	defer fo.mu.Unlock()
	for id, b := range fo.batches {
		if b.createdAt.Before(cutoff) {
			delete(fo.batches, id)
		}
	}
}

// PendingBatchCount reports in-flight batches, used by metrics.
func (fo *FanOut) PendingBatchCount() int {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	return len(fo.batches)
}
