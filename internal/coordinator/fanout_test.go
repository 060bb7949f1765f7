package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinode/bnode/internal/urlfilter"
)

func placeOnSameChannel(t *testing.T, h *Hierarchy, sessions ...*AgentSession) string {
	t.Helper()
	channelID := "chan-1"
	ch := newTierNode(tierChannel, channelID, "cluster-1")
	h.channels[channelID] = ch
	for i, s := range sessions {
		ch.add(s, s.sid, i == 0)
		s.setPlacement("domain-1", "cluster-1", channelID, i == 0, i == 0, i == 0)
	}
	return channelID
}

func TestFanOut_ForwardsToChannelPeersAndAccountsAcks(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	source := newTestSession(r, h)
	peer1 := newTestSession(r, h)
	peer2 := newTestSession(r, h)
	placeOnSameChannel(t, h, source, peer1, peer2)

	fo := NewFanOut(h, nil, time.Hour)

	ack := fo.Ingest(source, "user1", "", []map[string]interface{}{{"url": "https://a.example"}})
	require.Equal(t, TypeUserActivitiesBatchAck, ack.Type)
	assert.Equal(t, "received and forwarded", ack.Message)
	batchID := ack.Batch.BatchID
	require.NotEmpty(t, batchID)

	p1Frame := <-peer1.send
	assert.Equal(t, TypeUserActivitiesBatch, p1Frame.Type)
	p2Frame := <-peer2.send
	assert.Equal(t, TypeUserActivitiesBatch, p2Frame.Type)

	assert.Equal(t, 1, fo.PendingBatchCount())

	fo.Ack(peer1, batchID)
	assert.Equal(t, 1, fo.PendingBatchCount(), "not evicted until all peers ack")

	fo.Ack(peer2, batchID)
	assert.Equal(t, 0, fo.PendingBatchCount(), "evicted once acks_received == forwarded_to")
}

func TestFanOut_ZeroSurvivingItemsAcksFiltered(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	source := newTestSession(r, h)
	peer := newTestSession(r, h)
	placeOnSameChannel(t, h, source, peer)

	filter := urlfilter.New(true, []string{"allowed.example"}, nil)
	fo := NewFanOut(h, filter, time.Hour)

	ack := fo.Ingest(source, "user1", "batch-1", []map[string]interface{}{
		{"url": "https://blocked.example"},
	})
	assert.Equal(t, "filtered", ack.Message)
	assert.True(t, ack.Batch.Filtered)

	select {
	case <-peer.send:
		t.Fatal("peer should not receive a batch with zero surviving items")
	default:
	}
	assert.Equal(t, 0, fo.PendingBatchCount())
}

func TestFanOut_PartialFilterForwardsOnlySurvivingItems(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	source := newTestSession(r, h)
	peer := newTestSession(r, h)
	placeOnSameChannel(t, h, source, peer)

	filter := urlfilter.New(true, []string{"allowed.example"}, nil)
	fo := NewFanOut(h, filter, time.Hour)

	ack := fo.Ingest(source, "user1", "batch-1", []map[string]interface{}{
		{"url": "https://allowed.example"},
		{"url": "https://blocked.example"},
	})
	assert.Contains(t, ack.Message, "filtered")

	peerFrame := <-peer.send
	require.Len(t, peerFrame.Batch.SyncData, 1)
	assert.Equal(t, "https://allowed.example", peerFrame.Batch.SyncData[0]["url"])
}

func TestFanOut_AckIgnoredForUnknownBatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	fo := NewFanOut(h, nil, time.Hour)
	peer := newTestSession(r, h)

	// Must not panic.
	fo.Ack(peer, "no-such-batch")
	assert.Equal(t, 0, fo.PendingBatchCount())
}
