package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process reference adapter, used in tests and in
// single-node deployments where an external durable store is overkill.
// It implements all three narrow interfaces behind one mutex per record
// family.
type MemoryStore struct {
	credMu sync.Mutex
	creds  map[string]*StoredCredential

	acctMu sync.Mutex
	accts  map[string]*DeviceAccount

	codeMu      sync.Mutex
	codesByCode map[string]*PairingCode
	codesByUser map[string]string // userID -> code
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:       make(map[string]*StoredCredential),
		accts:       make(map[string]*DeviceAccount),
		codesByCode: make(map[string]*PairingCode),
		codesByUser: make(map[string]string),
	}
}

// Get implements CredentialStore.
func (m *MemoryStore) Get(_ context.Context, userID string) (*StoredCredential, error) {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	c, ok := m.creds[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Put implements CredentialStore.
func (m *MemoryStore) Put(_ context.Context, cred *StoredCredential) error {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	cp := *cred
	m.creds[cred.UserID] = &cp
	return nil
}

// MarkLoggedOut implements CredentialStore.
func (m *MemoryStore) MarkLoggedOut(_ context.Context, userID string) error {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	c, ok := m.creds[userID]
	if !ok {
		return ErrNotFound
	}
	c.LoggedOut = true
	return nil
}

func acctKey(userID, website string) string { return userID + "\x00" + website }

// GetAccount implements DeviceAccountStore.
func (m *MemoryStore) GetAccount(_ context.Context, userID, website string) (*DeviceAccount, error) {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	a, ok := m.accts[acctKey(userID, website)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// PutAccount implements DeviceAccountStore.
func (m *MemoryStore) PutAccount(_ context.Context, acc *DeviceAccount) error {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	cp := *acc
	m.accts[acctKey(acc.UserID, acc.Website)] = &cp
	return nil
}

// PutCode implements PairingCodeStore.
func (m *MemoryStore) PutCode(_ context.Context, code *PairingCode, _ time.Duration) error {
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	cp := *code
	m.codesByCode[code.Code] = &cp
	m.codesByUser[code.UserID] = code.Code
	return nil
}

// GetByUser implements PairingCodeStore.
func (m *MemoryStore) GetByUser(_ context.Context, userID string) (*PairingCode, error) {
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	code, ok := m.codesByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := m.codesByCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Take implements PairingCodeStore: atomic fetch-and-delete.
func (m *MemoryStore) Take(_ context.Context, code string) (*PairingCode, error) {
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	c, ok := m.codesByCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.codesByCode, code)
	delete(m.codesByUser, c.UserID)
	cp := *c
	return &cp, nil
}

// Sweep implements PairingCodeStore: removes codes older than maxAge.
func (m *MemoryStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for code, c := range m.codesByCode {
		if c.CreateTime.Before(cutoff) {
			delete(m.codesByCode, code)
			delete(m.codesByUser, c.UserID)
			n++
		}
	}
	return n, nil
}

// memoryDeviceAccountAdapter and memoryPairingCodeAdapter satisfy the
// store.DeviceAccountStore / store.PairingCodeStore interfaces by
// delegating to MemoryStore's differently-named methods above (Go
// interfaces are structural, but CredentialStore.Get/Put collide in name
// with DeviceAccountStore/PairingCodeStore if implemented directly on
// the same receiver, hence the Account/Code method-name suffixes plus
// these thin forwarding adapters).
type memoryDeviceAccountAdapter struct{ m *MemoryStore }

func (a memoryDeviceAccountAdapter) Get(ctx context.Context, userID, website string) (*DeviceAccount, error) {
	return a.m.GetAccount(ctx, userID, website)
}
func (a memoryDeviceAccountAdapter) Put(ctx context.Context, acc *DeviceAccount) error {
	return a.m.PutAccount(ctx, acc)
}

type memoryPairingCodeAdapter struct{ m *MemoryStore }

func (a memoryPairingCodeAdapter) Put(ctx context.Context, code *PairingCode, ttl time.Duration) error {
	return a.m.PutCode(ctx, code, ttl)
}
func (a memoryPairingCodeAdapter) GetByUser(ctx context.Context, userID string) (*PairingCode, error) {
	return a.m.GetByUser(ctx, userID)
}
func (a memoryPairingCodeAdapter) Take(ctx context.Context, code string) (*PairingCode, error) {
	return a.m.Take(ctx, code)
}
func (a memoryPairingCodeAdapter) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	return a.m.Sweep(ctx, maxAge)
}

// NewMemoryBackedStore wires a MemoryStore into a Store via the thin
// adapters above.
func NewMemoryBackedStore() *Store {
	m := NewMemoryStore()
	return &Store{
		Credentials:    m,
		DeviceAccounts: memoryDeviceAccountAdapter{m},
		PairingCodes:   memoryPairingCodeAdapter{m},
	}
}
