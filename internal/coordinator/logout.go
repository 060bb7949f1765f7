package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tinode/bnode/internal/metrics"
	"github.com/tinode/bnode/internal/store"
)

// LogoutBarrier broadcasts logout to every live session of a user (or
// one named client), waits for bounded-time all-acks, then evicts the
// targets and marks the credential store logged-out. The barrier always
// completes, on timeout as well as on all-acks.
type LogoutBarrier struct {
	registry    *Registry
	hierarchy   *Hierarchy
	credentials store.CredentialStore

	ackTimeout   time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	trackers map[string]*ackTracker // client_install_id -> tracker of its in-flight logout
}

// NewLogoutBarrier builds a LogoutBarrier. ackTimeout defaults to 10s,
// pollInterval to 100ms.
func NewLogoutBarrier(registry *Registry, hierarchy *Hierarchy, credentials store.CredentialStore, ackTimeout, pollInterval time.Duration) *LogoutBarrier {
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &LogoutBarrier{
		registry:     registry,
		hierarchy:    hierarchy,
		credentials:  credentials,
		ackTimeout:   ackTimeout,
		pollInterval: pollInterval,
		trackers:     make(map[string]*ackTracker),
	}
}

// ackTracker is the shared ack map installed for one logout run, matched
// by client_install_id rather than socket identity so a socket that
// disconnects between send and ack is still tolerated.
type ackTracker struct {
	mu    sync.Mutex
	acked map[string]bool // client_install_id -> acked
}

func (t *ackTracker) markAcked(clientInstallID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.acked[clientInstallID]; ok {
		t.acked[clientInstallID] = true
	}
}

func (t *ackTracker) allAcked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, acked := range t.acked {
		if !acked {
			return false
		}
	}
	return true
}

// LogoutUser logs out every live session of userID.
func (b *LogoutBarrier) LogoutUser(ctx context.Context, userID, logoutURL string) error {
	targets := b.registry.LookupByUserFresh(userID)
	return b.run(ctx, userID, logoutURL, targets)
}

// LogoutClient logs out only the sessions of userID on clientInstallID.
func (b *LogoutBarrier) LogoutClient(ctx context.Context, userID, clientInstallID, logoutURL string) error {
	all := b.registry.LookupByUserFresh(userID)
	targets := make([]*AgentSession, 0, len(all))
	for _, s := range all {
		if s.Identity().clientInstallID == clientInstallID {
			targets = append(targets, s)
		}
	}
	return b.run(ctx, userID, logoutURL, targets)
}

func (b *LogoutBarrier) run(ctx context.Context, userID, logoutURL string, targets []*AgentSession) error {
	if len(targets) == 0 {
		return b.markLoggedOut(ctx, userID)
	}

	tracker := &ackTracker{acked: make(map[string]bool, len(targets))}
	b.mu.Lock()
	for _, s := range targets {
		id := s.Identity()
		tracker.acked[id.clientInstallID] = false
		b.trackers[id.clientInstallID] = tracker
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.setLogoutInProgress(true)
		s.setLogoutAckTracker(true)
	}

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *AgentSession) {
			defer wg.Done()
			f := &Frame{Type: TypeUserLogout, Logout: &LogoutPayload{LogoutURL: logoutURL}}
			if err := s.Send(f); err != nil {
				log.Printf("coordinator: logout: send to %s failed: %v", s.sid, err)
			}
			s.setClosedByLogout(true)
		}(s)
	}
	wg.Wait()

	deadline := time.Now().Add(b.ackTimeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
pollLoop:
	for {
		if tracker.allAcked() {
			break pollLoop
		}
		if time.Now().After(deadline) {
			break pollLoop
		}
		select {
		case <-ctx.Done():
			break pollLoop
		case <-ticker.C:
		}
	}

	if !tracker.allAcked() {
		metrics.LogoutTimeouts.Inc()
	}

	b.mu.Lock()
	for _, s := range targets {
		delete(b.trackers, s.Identity().clientInstallID)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.setLogoutAckTracker(false)
		s.setLogoutInProgress(false)
		s.Close(true, "logout barrier evict")
	}
	return b.markLoggedOut(ctx, userID)
}

// HandleAck records a logout_feedback frame's client_install_id against
// whichever in-flight run's tracker is waiting on it.
func (b *LogoutBarrier) HandleAck(clientInstallID string) {
	b.mu.Lock()
	tracker := b.trackers[clientInstallID]
	b.mu.Unlock()
	if tracker == nil {
		return
	}
	tracker.markAcked(clientInstallID)
}

func (b *LogoutBarrier) markLoggedOut(ctx context.Context, userID string) error {
	if b.credentials == nil {
		return nil
	}
	if err := b.credentials.MarkLoggedOut(ctx, userID); err != nil && err != store.ErrNotFound {
		return NewErr(KindStateInvariant, "mark logged_out failed", err)
	}
	return nil
}
