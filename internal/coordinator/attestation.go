package coordinator

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/tinode/bnode/internal/metrics"
)

// MinBatchSize is the minimum record count a witness's batch must have to
// count as "valid".
const MinBatchSize = 3

// AttestationResult is the outcome of one Cluster Attestation Protocol
// run.
type AttestationResult struct {
	Passed  bool
	Vacuous bool // no witness had a valid batch; passes with no comparison
	BatchID string
	Err     error
}

// attestationInstance owns one attestation's pending-response table,
// keyed by the identity the response router uses to find the waiting
// instance: node_id for witness queries, "client_<user_id>" for the
// joiner query. Each instance is independent so multiple attestations
// can run concurrently without sharing a table.
type attestationInstance struct {
	mu      sync.Mutex
	waiting map[string]chan *Frame
}

func newAttestationInstance() *attestationInstance {
	return &attestationInstance{waiting: make(map[string]chan *Frame)}
}

func (a *attestationInstance) await(key string) chan *Frame {
	ch := make(chan *Frame, 1)
	a.mu.Lock()
	a.waiting[key] = ch
	a.mu.Unlock()
	return ch
}

func (a *attestationInstance) cancel(key string) {
	a.mu.Lock()
	delete(a.waiting, key)
	a.mu.Unlock()
}

// deliver routes an inbound cluster_verification_response to the waiting
// channel for key, if this instance is holding one. Returns true if it
// was consumed by this instance.
func (a *attestationInstance) deliver(key string, f *Frame) bool {
	a.mu.Lock()
	ch, ok := a.waiting[key]
	if ok {
		delete(a.waiting, key)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
	default:
	}
	return true
}

// AttestationRouter tracks every in-flight attestationInstance so inbound
// cluster_verification_response frames can be routed to the correct one.
type AttestationRouter struct {
	mu        sync.Mutex
	instances map[*attestationInstance]struct{}
}

// NewAttestationRouter builds an empty router.
func NewAttestationRouter() *AttestationRouter {
	return &AttestationRouter{instances: make(map[*attestationInstance]struct{})}
}

func (r *AttestationRouter) register(a *attestationInstance) {
	r.mu.Lock()
	r.instances[a] = struct{}{}
	r.mu.Unlock()
}

func (r *AttestationRouter) unregister(a *attestationInstance) {
	r.mu.Lock()
	delete(r.instances, a)
	r.mu.Unlock()
}

// RouteResponse inspects every live attestation instance's waiting set
// for key and delivers f to the first match. Returns false if no
// attestation is waiting on key.
func (r *AttestationRouter) RouteResponse(key string, f *Frame) bool {
	r.mu.Lock()
	instances := make([]*attestationInstance, 0, len(r.instances))
	for a := range r.instances {
		instances = append(instances, a)
	}
	r.mu.Unlock()
	for _, a := range instances {
		if a.deliver(key, f) {
			return true
		}
	}
	return false
}

// Attester runs the Cluster Attestation Protocol for a joining session.
type Attester struct {
	router  *AttestationRouter
	timeout time.Duration
}

// NewAttester builds an Attester with the given per-RPC sub-timeout
// (default 15s).
func NewAttester(router *AttestationRouter, subTimeout time.Duration) *Attester {
	if subTimeout <= 0 {
		subTimeout = 15 * time.Second
	}
	return &Attester{router: router, timeout: subTimeout}
}

// Attest runs the full protocol: query witnesses in K (excluding joiner)
// for a valid batch, then ask the joiner for its own first record of the
// chosen batch_id, then compare field-by-field for exact set equality.
// The witness query and the joiner query are awaited in series, each
// bounded by the sub-RPC timeout; a timeout on either side counts as
// attestation-fail.
func (a *Attester) Attest(ctx context.Context, joiner *AgentSession, witnesses []*AgentSession) AttestationResult {
	result := a.attest(ctx, joiner, witnesses)
	metrics.ObserveAttestation(result.Passed, result.Vacuous, result.Err != nil)
	return result
}

func (a *Attester) attest(ctx context.Context, joiner *AgentSession, witnesses []*AgentSession) AttestationResult {
	inst := newAttestationInstance()
	a.router.register(inst)
	defer a.router.unregister(inst)

	batchID, witnessRecord, err := a.queryWitnesses(ctx, inst, witnesses)
	if err != nil {
		return AttestationResult{Passed: false, Err: err}
	}
	if batchID == "" {
		// No witness has a valid batch: new user on the channel, vacuous pass.
		return AttestationResult{Passed: true, Vacuous: true}
	}

	joinerRecord, err := a.queryJoiner(ctx, inst, joiner, batchID)
	if err != nil {
		return AttestationResult{Passed: false, BatchID: batchID, Err: err}
	}

	if !recordsEqual(witnessRecord, joinerRecord) {
		return AttestationResult{Passed: false, BatchID: batchID}
	}
	return AttestationResult{Passed: true, BatchID: batchID}
}

// queryWitnesses asks each non-joiner channel member in turn for a valid
// batch (at least MinBatchSize records), first positive response winning.
// The query goes out as a plain frame; the reply arrives as a
// cluster_verification_response routed here by node_id through the
// AttestationRouter rather than by request correlation.
func (a *Attester) queryWitnesses(ctx context.Context, inst *attestationInstance, witnesses []*AgentSession) (string, map[string]interface{}, error) {
	for _, w := range witnesses {
		key := w.Identity().nodeID
		waitCh := inst.await(key)

		err := w.Send(&Frame{
			Type:        TypeClusterVerificationQuery,
			Attestation: &AttestationPayload{MinRecords: MinBatchSize},
		})
		if err != nil {
			// Witness transport already gone; try the next one.
			inst.cancel(key)
			continue
		}

		timer := time.NewTimer(a.timeout)
		select {
		case reply := <-waitCh:
			timer.Stop()
			if reply.Attestation != nil && reply.Attestation.HasBatch && reply.Attestation.BatchID != "" {
				return reply.Attestation.BatchID, reply.Attestation.FirstRecord, nil
			}
		case <-timer.C:
			inst.cancel(key)
			return "", nil, NewErr(KindAttestationFailed, "witness query timed out", nil)
		case <-ctx.Done():
			timer.Stop()
			inst.cancel(key)
			return "", nil, NewErr(KindAttestationFailed, "attestation cancelled", ctx.Err())
		}
	}
	return "", nil, nil
}

// queryJoiner asks J for its own first record of batchID; the response is
// routed back keyed by "client_<user_id>".
func (a *Attester) queryJoiner(ctx context.Context, inst *attestationInstance, joiner *AgentSession, batchID string) (map[string]interface{}, error) {
	key := "client_" + joiner.Identity().userID
	waitCh := inst.await(key)
	defer inst.cancel(key)

	err := joiner.Send(&Frame{
		Type:        TypeClusterVerificationReq,
		Attestation: &AttestationPayload{BatchID: batchID},
	})
	if err != nil {
		return nil, NewErr(KindAttestationFailed, "joiner query send failed", err)
	}

	timer := time.NewTimer(a.timeout)
	select {
	case reply := <-waitCh:
		timer.Stop()
		if reply.Attestation == nil {
			return nil, NewErr(KindAttestationFailed, "joiner response missing attestation payload", nil)
		}
		return reply.Attestation.FirstRecord, nil
	case <-timer.C:
		return nil, NewErr(KindAttestationFailed, "joiner query timed out", nil)
	case <-ctx.Done():
		timer.Stop()
		return nil, NewErr(KindAttestationFailed, "attestation cancelled", ctx.Err())
	}
}

// recordsEqual requires exact set equality of keys and values.
func recordsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(normalizeValue(v), normalizeValue(bv)) {
			return false
		}
	}
	return true
}

// normalizeValue collapses numeric width differences (int and int64 are
// widened to the float64 encoding/json decodes numbers into) so records
// compared after a round trip through encoding/json still compare equal
// by value. Other numeric types, json.Number included, are compared as-is.
func normalizeValue(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return n
	}
}
