package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinode/bnode/internal/store"
)

// cookieAckAgent answers every cookie_update push with success.
func cookieAckAgent(f *Frame) *Frame {
	if f.Type != TypeCookieUpdate {
		return nil
	}
	return &Frame{Type: f.Type, Success: true}
}

func newTestIdP(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/signup":
			w.Header().Set("Set-Cookie", "session=signup-cookie")
			w.WriteHeader(http.StatusFound)
		case "/login":
			w.Header().Set("Set-Cookie", "session=login-cookie")
			w.WriteHeader(http.StatusFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestBroker(t *testing.T, idpURL string) (*SessionBroker, *Registry, *Hierarchy) {
	t.Helper()
	r := NewRegistry(fixedLoggedOut{})
	h := NewHierarchy(0)
	st := store.NewMemoryBackedStore()
	identity := NewIdentityBridge(idpURL, http.DefaultClient)
	router := NewAttestationRouter()
	attester := NewAttester(router, time.Second)
	broker := NewSessionBroker(st, identity, attester, h, r, time.Second, 3)
	return broker, r, h
}

func TestSessionBroker_SoloJoinSkipsAttestationAndDelivers(t *testing.T) {
	t.Parallel()
	srv := newTestIdP(t)
	defer srv.Close()

	broker, r, h := newTestBroker(t, srv.URL)
	s := newTestSession(r, h)
	stop := fakeAgent(s, cookieAckAgent)
	defer stop()
	r.Register(s, "node1", "client1", "user1", "alice")

	outcome := broker.Bind(context.Background(), s, "user1", "alice", "", "", "https://site.example", "Site", TypeCookieUpdate)

	require.True(t, outcome.Success)
	assert.True(t, outcome.Delivered)
	assert.Nil(t, outcome.Attestation)
	require.NotNil(t, outcome.SessionData)
	assert.Equal(t, "session=login-cookie", outcome.SessionData["cookie"])
}

func TestSessionBroker_PreconditionBlocksLoggedOutUser(t *testing.T) {
	t.Parallel()
	srv := newTestIdP(t)
	defer srv.Close()

	broker, r, h := newTestBroker(t, srv.URL)
	s := newTestSession(r, h)
	r.Register(s, "node1", "client1", "user1", "alice")

	require.NoError(t, broker.store.Credentials.Put(context.Background(), &store.StoredCredential{
		UserID: "user1", LoggedOut: true,
	}))

	outcome := broker.Bind(context.Background(), s, "user1", "alice", "", "", "https://site.example", "Site", TypeCookieUpdate)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Message, "re-login required")
}

func TestSessionBroker_AttestationFailureBlocksDelivery(t *testing.T) {
	t.Parallel()
	srv := newTestIdP(t)
	defer srv.Close()

	broker, r, h := newTestBroker(t, srv.URL)

	joiner := newTestSession(r, h)
	witness := newTestSession(r, h)
	placeOnSameChannel(t, h, witness, joiner)
	r.Register(joiner, "node-j", "client-j", "user1", "alice")

	stopW := fakeRoutedAgent(witness, broker.attester.router, witnessWithBatch("batch-1", map[string]interface{}{"url": "https://a.example"}))
	defer stopW()
	stopJ := fakeRoutedAgent(joiner, broker.attester.router, func(f *Frame) *Frame {
		if reply := joinerWithRecord(map[string]interface{}{"url": "https://mismatch.example"})(f); reply != nil {
			return reply
		}
		return cookieAckAgent(f)
	})
	defer stopJ()

	outcome := broker.Bind(context.Background(), joiner, "user1", "alice", "", "", "https://site.example", "Site", TypeCookieUpdate)

	require.False(t, outcome.Success)
	require.NotNil(t, outcome.Attestation)
	assert.False(t, outcome.Attestation.Passed)
	assert.False(t, outcome.Delivered)
}

func TestSessionBroker_JoinerIsTheRequestingSession(t *testing.T) {
	t.Parallel()
	srv := newTestIdP(t)
	defer srv.Close()

	broker, r, h := newTestBroker(t, srv.URL)

	// Two live sessions of the same user: the earlier one must act as
	// witness and the requesting one as joiner, regardless of registry
	// iteration order. Each agent only answers its own role's query, so a
	// swapped selection would time out the witness query and fail.
	witness := newTestSession(r, h)
	joiner := newTestSession(r, h)
	placeOnSameChannel(t, h, witness, joiner)
	r.Register(witness, "node-w", "client-w", "user1", "alice")
	r.Register(joiner, "node-j", "client-j", "user1", "alice")

	record := map[string]interface{}{"url": "https://a.example"}
	stopW := fakeRoutedAgent(witness, broker.attester.router, func(f *Frame) *Frame {
		if reply := witnessWithBatch("batch-1", record)(f); reply != nil {
			return reply
		}
		return cookieAckAgent(f)
	})
	defer stopW()
	stopJ := fakeRoutedAgent(joiner, broker.attester.router, func(f *Frame) *Frame {
		if reply := joinerWithRecord(record)(f); reply != nil {
			return reply
		}
		return cookieAckAgent(f)
	})
	defer stopJ()

	outcome := broker.Bind(context.Background(), joiner, "user1", "alice", "", "", "https://site.example", "Site", TypeCookieUpdate)

	require.True(t, outcome.Success)
	require.NotNil(t, outcome.Attestation)
	assert.True(t, outcome.Attestation.Passed)
	assert.False(t, outcome.Attestation.Vacuous)
	assert.Equal(t, "batch-1", outcome.Attestation.BatchID)
	assert.True(t, outcome.Delivered)
}

func TestSessionBroker_DeliveryRetriesEveryTargetEachRound(t *testing.T) {
	t.Parallel()
	srv := newTestIdP(t)
	defer srv.Close()

	broker, r, h := newTestBroker(t, srv.URL)
	broker.deliveryWait = 50 * time.Millisecond

	// The unresponsive session never acks; the responsive one still must
	// receive its push in the first round instead of waiting for the
	// other to exhaust the whole retry budget.
	unresponsive := newTestSession(r, h)
	stopU := fakeAgent(unresponsive, func(*Frame) *Frame { return nil })
	defer stopU()
	responsive := newTestSession(r, h)
	stopR := fakeAgent(responsive, cookieAckAgent)
	defer stopR()
	r.Register(unresponsive, "node-u", "client-u", "user1", "alice")
	r.Register(responsive, "node-r", "client-r", "user1", "alice")

	outcome := broker.Bind(context.Background(), nil, "user1", "alice", "", "", "https://site.example", "Site", TypeCookieUpdate)

	require.True(t, outcome.Success)
	assert.True(t, outcome.Delivered, "the responsive session must be pushed to even when another target never acks")
}
