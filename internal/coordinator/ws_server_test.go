package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinode/bnode/internal/config"
	"github.com/tinode/bnode/internal/store"
)

// testCoordinatorConfig builds a minimal, fast-timeout Config pointing its
// active API at idpURL, mirroring what serve.go loads from bnode.conf.
func testCoordinatorConfig(idpURL string) *config.Config {
	return &config.Config{
		CurrentEnvironment: config.EnvLocal,
		API: map[config.Environment]config.APIConfig{
			config.EnvLocal: {NSNUrl: idpURL},
		},
		Websocket: map[config.Environment]config.WebsocketConfig{
			config.EnvLocal: {ServerHost: "0.0.0.0", ServerPort: 8080},
		},
		Timing: config.TimingConfig{
			RPCTimeout:          config.Duration(2 * time.Second),
			AttestationTimeout:  config.Duration(2 * time.Second),
			LogoutAckTimeout:    config.Duration(200 * time.Millisecond),
			LogoutPollInterval:  config.Duration(10 * time.Millisecond),
			CookieDeliveryWait:  config.Duration(2 * time.Second),
			CookieDeliveryTries: 3,
			IdPSignupTimeout:    config.Duration(2 * time.Second),
			IdPLoginTimeout:     config.Duration(2 * time.Second),
			PairingCodeTTL:      config.Duration(15 * time.Minute),
			BatchMaxAge:         config.Duration(time.Hour),
			ValidityCacheTTL:    config.Duration(5 * time.Second),
		},
	}
}

func newTestIdentityProvider(t *testing.T) *httptest.Server {
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

func TestDispatch_RegisterFreshSessionPlacesAutoLoginAndDelivers(t *testing.T) {
	t.Parallel()
	idp := newTestIdentityProvider(t)
	defer idp.Close()

	co := New(testCoordinatorConfig(idp.URL), store.NewMemoryBackedStore())

	s := newTestSession(co.Registry, co.Hierarchy)
	cookieDelivered := make(chan struct{}, 1)
	stop := fakeAgent(s, func(f *Frame) *Frame {
		if reply := mintingAgent(f); reply != nil {
			return reply
		}
		if f.Type == TypeAutoLogin {
			select {
			case cookieDelivered <- struct{}{}:
			default:
			}
			return &Frame{Type: f.Type, Success: true}
		}
		return nil
	})
	defer stop()

	co.dispatch(s, &Frame{
		Type: TypeClientRegister,
		Registration: &RegistrationPayload{
			NodeID:          "node1",
			ClientInstallID: "client1",
			UserID:          "user1",
			Username:        "alice",
		},
	})

	select {
	case <-cookieDelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cookie delivery following registration")
	}

	id := s.Identity()
	assert.Equal(t, "user1", id.userID)
	assert.NotEmpty(t, id.domainID)
	assert.NotEmpty(t, id.clusterID)
	assert.NotEmpty(t, id.channelID)
	assert.True(t, id.isChannelHead)

	assert.ElementsMatch(t, []*AgentSession{s}, co.Registry.LookupByUser("user1"))

	cred, err := co.Store.Credentials.Get(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "session=login-cookie", cred.CookieBlob)
	assert.False(t, cred.LoggedOut)
}

func TestDispatch_PairingCodeRegistrationRebindsStaleClientAndJoinsExistingChannel(t *testing.T) {
	t.Parallel()
	idp := newTestIdentityProvider(t)
	defer idp.Close()

	co := New(testCoordinatorConfig(idp.URL), store.NewMemoryBackedStore())
	ctx := context.Background()

	require.NoError(t, co.Store.Credentials.Put(ctx, &store.StoredCredential{UserID: "user1", Username: "alice", CookieBlob: "session=login-cookie"}))

	stale := newTestSession(co.Registry, co.Hierarchy)
	stopStale := fakeAgent(stale, func(f *Frame) *Frame { return nil })
	defer stopStale()
	outcome, _ := co.Registry.Register(stale, "old-node", "client1", "user1", "alice")
	require.Equal(t, RegisterAccepted, outcome)

	rec, err := co.Pairing.IssueOrReuse(ctx, "user1", "alice", "domain-x", "cluster-x", "channel-x")
	require.NoError(t, err)

	joiner := newTestSession(co.Registry, co.Hierarchy)
	cookieDelivered := make(chan struct{}, 1)
	stopJoiner := fakeAgent(joiner, func(f *Frame) *Frame {
		if f.Type == TypeAutoLogin {
			select {
			case cookieDelivered <- struct{}{}:
			default:
			}
			return &Frame{Type: f.Type, Success: true}
		}
		return nil
	})
	defer stopJoiner()

	co.dispatch(joiner, &Frame{
		Type: TypeClientRegister,
		Registration: &RegistrationPayload{
			NodeID:          "new-node",
			ClientInstallID: "client1",
			UserID:          "ignored-when-pairing-code-present",
			Username:        rec.Code,
		},
	})

	select {
	case <-cookieDelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cookie delivery following pairing-code registration")
	}

	id := joiner.Identity()
	assert.Equal(t, "user1", id.userID)
	assert.Equal(t, "alice", id.username)
	assert.Equal(t, "domain-x", id.domainID)
	assert.Equal(t, "cluster-x", id.clusterID)
	assert.Equal(t, "channel-x", id.channelID)
	assert.False(t, id.isChannelHead, "joiner attaches to the channel the code advertised, it does not mint a new one")

	assert.False(t, stale.Valid(true), "the stale same-client_install_id session must be evicted by the rebind")

	_, err = co.Pairing.Redeem(ctx, rec.Code)
	assert.Error(t, err, "pairing codes are single-use")
}

func TestDispatch_ActivityBatchForwardsToChannelPeersAndAcksSource(t *testing.T) {
	t.Parallel()
	idp := newTestIdentityProvider(t)
	defer idp.Close()

	co := New(testCoordinatorConfig(idp.URL), store.NewMemoryBackedStore())

	source := newTestSession(co.Registry, co.Hierarchy)
	peer := newTestSession(co.Registry, co.Hierarchy)
	placeOnSameChannel(t, co.Hierarchy, source, peer)

	co.dispatch(source, &Frame{
		Type: TypeUserActivitiesBatch,
		Batch: &BatchPayload{
			UserID:   "user1",
			BatchID:  "batch-1",
			SyncData: []map[string]interface{}{{"url": "https://a.example"}},
		},
	})

	select {
	case ack := <-source.send:
		assert.Equal(t, TypeUserActivitiesBatchAck, ack.Type)
	case <-time.After(time.Second):
		t.Fatal("source never received its batch ack")
	}

	select {
	case forwarded := <-peer.send:
		assert.Equal(t, TypeUserActivitiesBatch, forwarded.Type)
		require.NotNil(t, forwarded.Batch)
		assert.Equal(t, "batch-1", forwarded.Batch.BatchID)
	case <-time.After(time.Second):
		t.Fatal("peer never received the forwarded batch")
	}
}

func TestDispatch_RequestSecurityCodeIssuesPairingCode(t *testing.T) {
	t.Parallel()
	idp := newTestIdentityProvider(t)
	defer idp.Close()

	co := New(testCoordinatorConfig(idp.URL), store.NewMemoryBackedStore())

	s := newTestSession(co.Registry, co.Hierarchy)
	s.setIdentity("user1", "alice")
	s.nodeID = "node1"
	s.clientInstallID = "client1"

	co.dispatch(s, &Frame{Type: TypeRequestSecurityCode})

	select {
	case resp := <-s.send:
		require.Equal(t, TypeSecurityCodeResponse, resp.Type)
		require.NotNil(t, resp.Pairing)
		assert.Len(t, resp.Pairing.Code, 8)
	case <-time.After(time.Second):
		t.Fatal("never received a security code response")
	}
}

func TestDispatch_UnknownFrameTypeIsDroppedWithoutPanic(t *testing.T) {
	t.Parallel()
	idp := newTestIdentityProvider(t)
	defer idp.Close()

	co := New(testCoordinatorConfig(idp.URL), store.NewMemoryBackedStore())
	s := newTestSession(co.Registry, co.Hierarchy)

	assert.NotPanics(t, func() {
		co.dispatch(s, &Frame{Type: "nonsense_type_nobody_sent"})
	})
}
