// Package store defines the three narrow record kinds the coordinator
// persists through an external durable store — credentials, device-bound
// accounts, and one-time pairing codes — plus an in-memory adapter (for
// tests and single-process deployments) and a Redis-backed adapter.
package store

import "time"

// StoredCredential is the opaque session-cookie blob the coordinator
// reads, replaces, or marks logged-out on behalf of a user. One row per
// user_id.
type StoredCredential struct {
	UserID      string
	Username    string
	NodeID      string
	CookieBlob  string
	AutoRefresh bool
	LoggedOut   bool
	RefreshTime time.Time
	CreateTime  time.Time
}

// DeviceAccount is an IdP-side username/password pair the coordinator may
// replay to re-mint a cookie. One row per (user_id, website).
type DeviceAccount struct {
	UserID           string
	Username         string
	Website          string
	Account          string
	Password         string
	Email            string
	FirstName        string
	LastName         string
	Location         string
	RegistrationMeth string
	AutoGenerated    bool
	LoggedOut        bool
	CreateTime       time.Time
}

// PairingCode is a single-use, short human-readable code tying a user to
// the hierarchy IDs their issuing device inhabited when the code was
// requested.
type PairingCode struct {
	Code       string
	UserID     string
	Username   string
	DomainID   string
	ClusterID  string
	ChannelID  string
	CreateTime time.Time
	UpdateTime time.Time
}
