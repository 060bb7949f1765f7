package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tinode/bnode/internal/store"
)

// SessionBroker decides, on every relevant event, whether an arriving
// C-Node receives a stored credential, must first attest, or must stay
// anonymous, and owns the cookie-delivery retry state machine.
type SessionBroker struct {
	store     *store.Store
	identity  *IdentityBridge
	attester  *Attester
	hierarchy *Hierarchy
	registry  *Registry

	deliveryWait  time.Duration
	deliveryTries int
}

// NewSessionBroker builds a SessionBroker.
func NewSessionBroker(st *store.Store, identity *IdentityBridge, attester *Attester, hierarchy *Hierarchy, registry *Registry, deliveryWait time.Duration, deliveryTries int) *SessionBroker {
	if deliveryWait <= 0 {
		deliveryWait = 5 * time.Second
	}
	if deliveryTries <= 0 {
		deliveryTries = 3
	}
	return &SessionBroker{
		store:         st,
		identity:      identity,
		attester:      attester,
		hierarchy:     hierarchy,
		registry:      registry,
		deliveryWait:  deliveryWait,
		deliveryTries: deliveryTries,
	}
}

// BindOutcome is the end result of running the decision procedure, used
// by the /bind HTTP handler to build its response.
type BindOutcome struct {
	Success     bool
	Delivered   bool // at least one session acked the cookie push
	Message     string
	Err         error
	Attestation *AttestationResult

	// SessionData is the /bind response's complete_session_data body on
	// success: the persisted credential the caller can hand to a device.
	SessionData map[string]interface{}
}

// BindRequestType mirrors the /bind endpoint's request_type enum.
type BindRequestType int

const (
	BindSignup BindRequestType = iota
	BindLogin
	BindLogout
)

// Bind runs the full decision procedure for userID, invoked from a
// new registration, an explicit /bind call, or pairing-code completion.
// joiner is the session whose arrival triggered the bind — never derived
// from a registry lookup, since a user with several live sessions gives
// that lookup no way to tell which one is actually joining. A nil joiner
// (an operator-initiated bind with no originating session) skips the
// attestation gate. pushType selects the delivery frame: auto_login for
// the session push that follows a registration, cookie_update for an
// explicit bind.
func (b *SessionBroker) Bind(ctx context.Context, joiner *AgentSession, userID, username, account, password, siteURL, siteName, pushType string) BindOutcome {
	cred, err := b.store.Credentials.Get(ctx, userID)
	hasCred := err == nil

	// Step 1: pre-condition check.
	if hasCred && cred.LoggedOut {
		return BindOutcome{Success: false, Message: "re-login required", Err: NewErr(KindUpstreamIdPError, "user is logged out", nil)}
	}

	if !hasCred {
		cred, err = b.acquireCredential(ctx, userID, username, account, password)
		if err != nil {
			return BindOutcome{Success: false, Message: err.Error(), Err: err}
		}
	}

	var attResult *AttestationResult
	if joiner != nil {
		id := joiner.Identity()
		peers := b.hierarchy.ChannelPeers(id.channelID, joiner)
		if id.channelID == "" || id.nodeID == "" || len(peers) == 0 {
			// Step 3: peer-attestation gate — skip straight to delivery.
		} else {
			result := b.attester.Attest(ctx, joiner, peers)
			attResult = &result
			if !result.Passed {
				return BindOutcome{Success: false, Message: "cluster verification failed", Attestation: attResult,
					Err: NewErr(KindAttestationFailed, "cluster verification failed", nil)}
			}
		}
	}

	delivered := b.deliverCookie(ctx, userID, cred, siteURL, siteName, pushType, attResult)

	// Persistence is the success predicate; zero delivery acks is
	// success-with-warning, not failure.
	return BindOutcome{
		Success:     true,
		Delivered:   delivered,
		Message:     "ok",
		Attestation: attResult,
		SessionData: map[string]interface{}{
			"user_id":  cred.UserID,
			"username": cred.Username,
			"cookie":   cred.CookieBlob,
			"site_url": siteURL,
		},
	}
}

// acquireCredential implements the credential-acquisition step: try form
// login if an account is present, else auto-signup with a generated
// strong password, then persist the resulting cookie.
func (b *SessionBroker) acquireCredential(ctx context.Context, userID, username, account, password string) (*store.StoredCredential, error) {
	var result *LoginResult
	var err error

	if account != "" && password != "" {
		result, err = b.identity.Login(ctx, account, password)
	}
	if result == nil {
		genPassword, genErr := GenerateStrongPassword()
		if genErr != nil {
			return nil, NewErr(KindUpstreamIdPError, "password generation failed", genErr)
		}
		genAccount := account
		if genAccount == "" {
			genAccount = fmt.Sprintf("%s-%d", username, time.Now().UnixNano())
		}
		// Signup is fire-and-forget: a failure here does not stop the
		// subsequent login attempt.
		_, _ = b.identity.Signup(ctx, genAccount, genPassword, "")
		result, err = b.identity.Login(ctx, genAccount, genPassword)
		if err == nil && b.store.DeviceAccounts != nil {
			_ = b.store.DeviceAccounts.Put(ctx, &store.DeviceAccount{
				UserID:           userID,
				Username:         username,
				Website:          "default",
				Account:          genAccount,
				Password:         genPassword,
				RegistrationMeth: "auto-signup",
				AutoGenerated:    true,
				CreateTime:       time.Now(),
			})
		}
	}
	if err != nil {
		return nil, NewErr(KindUpstreamIdPError, "Wrong account or password, please try again or sign up", err)
	}

	cred := &store.StoredCredential{
		UserID:      userID,
		Username:    username,
		CookieBlob:  result.Cookie,
		CreateTime:  time.Now(),
		RefreshTime: time.Now(),
	}
	if err := b.store.Credentials.Put(ctx, cred); err != nil {
		return nil, NewErr(KindStateInvariant, "credential persist failed", err)
	}
	return cred, nil
}

// deliverCookie implements the cookie-delivery state machine: push the
// cookie frame to every live session of U, bypassing the validity cache,
// Send -> AwaitAck(5s) -> RetryOrGiveUp. Each retry round pushes to every
// session that has not yet acked, up to deliveryTries rounds in
// aggregate, so one unresponsive session never starves the others of
// their push. Returns true if at least one session acked.
func (b *SessionBroker) deliverCookie(ctx context.Context, userID string, cred *store.StoredCredential, siteURL, siteName, pushType string, att *AttestationResult) bool {
	// Delivery targets are selected with the validity cache bypassed.
	targets := b.registry.LookupByUserFresh(userID)
	if len(targets) == 0 {
		return false
	}
	if pushType == "" {
		pushType = TypeCookieUpdate
	}

	advisory := ""
	if b.registry.Snapshot().Users > 1 {
		advisory = "login success with validation"
	}
	attestationMsg := ""
	if att != nil && att.Passed && !att.Vacuous {
		attestationMsg = "cluster verification passed"
	}

	delivered := false
	remaining := targets
	for round := 1; round <= b.deliveryTries && len(remaining) > 0; round++ {
		var failed []*AgentSession
		for _, s := range remaining {
			reply, err := s.Call(ctx, pushType, func(f *Frame) {
				f.Cookie = &CookiePayload{
					Cookie:         cred.CookieBlob,
					SiteURL:        siteURL,
					SiteName:       siteName,
					PartitionKey:   siteURL,
					Advisory:       advisory,
					AttestationMsg: attestationMsg,
				}
			}, b.deliveryWait)
			if err == nil && reply.Success {
				delivered = true
				continue
			}
			log.Printf("coordinator: cookie delivery to %s round %d failed: %v", s.sid, round, err)
			failed = append(failed, s)
		}
		remaining = failed
	}
	return delivered
}
