package coordinator

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinode/bnode/internal/config"
	"github.com/tinode/bnode/internal/metrics"
	"github.com/tinode/bnode/internal/store"
	"github.com/tinode/bnode/internal/urlfilter"
)

// credentialsLoggedOutAdapter bridges store.CredentialStore's
// context-taking Get into the Registry's simple synchronous
// IsLoggedOut(userID) check. A short internal timeout keeps a slow store
// from ever blocking the registration hot path.
type credentialsLoggedOutAdapter struct {
	creds store.CredentialStore
}

func (a credentialsLoggedOutAdapter) IsLoggedOut(userID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cred, err := a.creds.Get(ctx, userID)
	if err != nil {
		return false
	}
	return cred.LoggedOut
}

// Coordinator owns every subsystem for one B-Node process. There is no
// package-level mutable state anywhere in this package; every subsystem
// is constructed here and threaded through explicitly.
type Coordinator struct {
	cfg *config.Config

	Registry   *Registry
	Hierarchy  *Hierarchy
	Dispatcher *Dispatcher
	FanOut     *FanOut
	Logout     *LogoutBarrier
	Pairing    *PairingService
	Identity   *IdentityBridge
	Broker     *SessionBroker
	Attester   *Attester
	Store      *store.Store

	upgrader websocket.Upgrader

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a fully-wired Coordinator from configuration and a durable
// store adapter.
func New(cfg *config.Config, st *store.Store) *Coordinator {
	timing := cfg.Timing

	registry := NewRegistry(credentialsLoggedOutAdapter{st.Credentials})
	hierarchy := NewHierarchy(time.Duration(timing.RPCTimeout))
	dispatcher := NewDispatcher()
	filter := urlfilter.New(cfg.URLFiltering.Enabled, cfg.URLFiltering.AllowedDomains, cfg.URLFiltering.AllowedPatterns)
	fanOut := NewFanOut(hierarchy, filter, time.Duration(timing.BatchMaxAge))
	logoutBarrier := NewLogoutBarrier(registry, hierarchy, st.Credentials, time.Duration(timing.LogoutAckTimeout), time.Duration(timing.LogoutPollInterval))
	pairing := NewPairingService(st.PairingCodes, time.Duration(timing.PairingCodeTTL), 15*time.Minute)

	api := cfg.ActiveAPI()
	identity := NewIdentityBridge(api.NSNUrl, &http.Client{Timeout: time.Duration(timing.IdPLoginTimeout)})

	router := NewAttestationRouter()
	attester := NewAttester(router, time.Duration(timing.AttestationTimeout))

	broker := NewSessionBroker(st, identity, attester, hierarchy, registry, time.Duration(timing.CookieDeliveryWait), timing.CookieDeliveryTries)

	for _, kind := range []string{
		TypeNewDomainNode, TypeNewClusterNode, TypeNewChannelNode,
		TypeAssignToDomain, TypeAssignToCluster, TypeAssignToChannel,
	} {
		dispatcher.OnLateReply(kind, lateHierarchyHandler(hierarchy))
	}

	c := &Coordinator{
		cfg:        cfg,
		Registry:   registry,
		Hierarchy:  hierarchy,
		Dispatcher: dispatcher,
		FanOut:     fanOut,
		Logout:     logoutBarrier,
		Pairing:    pairing,
		Identity:   identity,
		Broker:     broker,
		Attester:   attester,
		Store:      st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}
	return c
}

// lateHierarchyHandler is invoked when a placement reply arrives after
// its own Call already returned Timeout: resolvePending has matched the
// reply to its req_id (the entry can never resolve twice) and Route hands
// it here instead of discarding it. The handler resumes the interrupted
// placement walk — a late new_domain_node reply still advances to create
// the cluster — with the continuation spawned off the read loop by
// ResumeLatePlacement, since the remaining steps issue further blocking
// RPCs on the same session.
func lateHierarchyHandler(h *Hierarchy) LateReplyHandler {
	return func(s *AgentSession, kind string, reply *Frame) {
		log.Printf("coordinator: late reply for %s (session %s, req_id=%s); resuming placement", kind, s.sid, reply.RequestID)
		h.ResumeLatePlacement(s, kind, reply)
	}
}

// StartBackgroundTasks launches the supervised periodic goroutines
// (pairing-code sweep, batch janitor, metrics snapshot) that run until
// Shutdown is called.
func (c *Coordinator) StartBackgroundTasks(ctx context.Context) {
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		sweepCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-sweepCtx.Done():
			}
		}()
		c.Pairing.RunSweep(sweepCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.FanOut.RunJanitor(c.stop)
	}()
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.ReportLiveMetrics()
			}
		}
	}()
}

// Shutdown stops background tasks and waits for them to exit
// cooperatively.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

// ReportLiveMetrics updates the gauges that need periodic recomputation
// rather than event-driven increments (live sessions, in-flight batches,
// live tiers).
func (c *Coordinator) ReportLiveMetrics() {
	snap := c.Registry.Snapshot()
	metrics.LiveSessions.Set(float64(snap.Total))
	metrics.InFlightBatches.Set(float64(c.FanOut.PendingBatchCount()))
	domains, clusters, channels := c.Hierarchy.TierCounts()
	metrics.LiveTiers.WithLabelValues("domain").Set(float64(domains))
	metrics.LiveTiers.WithLabelValues("cluster").Set(float64(clusters))
	metrics.LiveTiers.WithLabelValues("channel").Set(float64(channels))
}
