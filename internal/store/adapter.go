package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style methods when no record exists.
var ErrNotFound = errors.New("store: record not found")

// CredentialStore is the narrow external interface over StoredCredential.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*StoredCredential, error)
	Put(ctx context.Context, cred *StoredCredential) error
	MarkLoggedOut(ctx context.Context, userID string) error
}

// DeviceAccountStore is the narrow external interface over DeviceAccount.
type DeviceAccountStore interface {
	Get(ctx context.Context, userID, website string) (*DeviceAccount, error)
	Put(ctx context.Context, acc *DeviceAccount) error
}

// PairingCodeStore is the narrow external interface over PairingCode.
// Codes are single-use (Take deletes atomically) and expire after 15
// minutes; GetByUser supports the "already has an outstanding code,
// return it verbatim" reuse branch in PairingService.IssueOrReuse.
type PairingCodeStore interface {
	Put(ctx context.Context, code *PairingCode, ttl time.Duration) error
	GetByUser(ctx context.Context, userID string) (*PairingCode, error)
	// Take atomically fetches and deletes the code, returning ErrNotFound
	// if it does not exist (already consumed or expired).
	Take(ctx context.Context, code string) (*PairingCode, error)
	// Sweep removes codes older than maxAge; adapters whose backing store
	// has native TTL (e.g. Redis) may make this a no-op.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Store bundles the three adapters the coordinator depends on. A
// Coordinator is constructed with exactly one Store, passed by
// constructor injection rather than held as package state.
type Store struct {
	Credentials    CredentialStore
	DeviceAccounts DeviceAccountStore
	PairingCodes   PairingCodeStore
}
