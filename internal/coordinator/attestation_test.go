package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func witnessWithBatch(batchID string, record map[string]interface{}) func(*Frame) *Frame {
	return func(f *Frame) *Frame {
		if f.Type != TypeClusterVerificationQuery {
			return nil
		}
		return &Frame{
			Type:    TypeClusterVerificationResp,
			Success: true,
			Attestation: &AttestationPayload{
				HasBatch:    true,
				BatchID:     batchID,
				FirstRecord: record,
			},
		}
	}
}

func witnessWithNoBatch(f *Frame) *Frame {
	if f.Type != TypeClusterVerificationQuery {
		return nil
	}
	return &Frame{Type: TypeClusterVerificationResp, Success: true, Attestation: &AttestationPayload{HasBatch: false}}
}

func joinerWithRecord(record map[string]interface{}) func(*Frame) *Frame {
	return func(f *Frame) *Frame {
		if f.Type != TypeClusterVerificationReq {
			return nil
		}
		return &Frame{Type: TypeClusterVerificationResp, Success: true, Attestation: &AttestationPayload{FirstRecord: record}}
	}
}

func TestAttester_PassesWhenRecordsMatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	router := NewAttestationRouter()
	joiner := newTestSession(r, h)
	witness := newTestSession(r, h)

	record := map[string]interface{}{"url": "https://a.example", "ts": float64(100)}
	stopW := fakeRoutedAgent(witness, router, witnessWithBatch("batch-1", record))
	defer stopW()
	stopJ := fakeRoutedAgent(joiner, router, joinerWithRecord(record))
	defer stopJ()

	a := NewAttester(router, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := a.Attest(ctx, joiner, []*AgentSession{witness})

	assert.True(t, result.Passed)
	assert.False(t, result.Vacuous)
	assert.Equal(t, "batch-1", result.BatchID)
}

func TestAttester_FailsOnFieldMismatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	router := NewAttestationRouter()
	joiner := newTestSession(r, h)
	witness := newTestSession(r, h)

	stopW := fakeRoutedAgent(witness, router, witnessWithBatch("batch-1", map[string]interface{}{"url": "https://a.example"}))
	defer stopW()
	stopJ := fakeRoutedAgent(joiner, router, joinerWithRecord(map[string]interface{}{"url": "https://b.example"}))
	defer stopJ()

	a := NewAttester(router, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := a.Attest(ctx, joiner, []*AgentSession{witness})

	assert.False(t, result.Passed)
	assert.False(t, result.Vacuous)
}

func TestAttester_VacuousPassWhenNoWitnessHasBatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	router := NewAttestationRouter()
	joiner := newTestSession(r, h)
	w1 := newTestSession(r, h)
	w2 := newTestSession(r, h)

	stopW1 := fakeRoutedAgent(w1, router, witnessWithNoBatch)
	defer stopW1()
	stopW2 := fakeRoutedAgent(w2, router, witnessWithNoBatch)
	defer stopW2()

	a := NewAttester(router, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := a.Attest(ctx, joiner, []*AgentSession{w1, w2})

	assert.True(t, result.Passed)
	assert.True(t, result.Vacuous)
}

func TestAttester_JoinerTimeoutCountsAsFail(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	router := NewAttestationRouter()
	joiner := newTestSession(r, h) // joiner never answers its query.
	witness := newTestSession(r, h)

	stopW := fakeRoutedAgent(witness, router, witnessWithBatch("batch-1", map[string]interface{}{"url": "https://a.example"}))
	defer stopW()

	a := NewAttester(router, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	result := a.Attest(ctx, joiner, []*AgentSession{witness})

	require.False(t, result.Passed)
	assert.Error(t, result.Err)
}

func TestAttester_WitnessTimeoutCountsAsFail(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	router := NewAttestationRouter()
	joiner := newTestSession(r, h)
	witness := newTestSession(r, h) // witness never answers.

	a := NewAttester(router, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	result := a.Attest(ctx, joiner, []*AgentSession{witness})

	require.False(t, result.Passed)
	assert.False(t, result.Vacuous)
	assert.Error(t, result.Err)
}

func TestAttester_ConcurrentAttestationsRouteToTheRightInstance(t *testing.T) {
	t.Parallel()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	router := NewAttestationRouter()

	record := map[string]interface{}{"url": "https://a.example"}
	mkPair := func(node, user string) (*AgentSession, *AgentSession, func(), func()) {
		w := newTestSession(r, h)
		w.mu.Lock()
		w.nodeID = node
		w.mu.Unlock()
		j := newTestSession(r, h)
		j.setIdentity(user, user)
		stopW := fakeRoutedAgent(w, router, witnessWithBatch("batch-"+node, record))
		stopJ := fakeRoutedAgent(j, router, joinerWithRecord(record))
		return w, j, stopW, stopJ
	}

	w1, j1, sw1, sj1 := mkPair("node-a", "user-a")
	defer sw1()
	defer sj1()
	w2, j2, sw2, sj2 := mkPair("node-b", "user-b")
	defer sw2()
	defer sj2()

	a := NewAttester(router, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan AttestationResult, 2)
	go func() { results <- a.Attest(ctx, j1, []*AgentSession{w1}) }()
	go func() { results <- a.Attest(ctx, j2, []*AgentSession{w2}) }()

	for i := 0; i < 2; i++ {
		res := <-results
		assert.True(t, res.Passed)
		assert.False(t, res.Vacuous)
	}
}

func TestAttester_RecordsEqualIgnoresNumericWidthDifferences(t *testing.T) {
	t.Parallel()
	a := map[string]interface{}{"count": int(3)}
	b := map[string]interface{}{"count": float64(3)}
	assert.True(t, recordsEqual(a, b))
}
