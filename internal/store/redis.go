package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the reference durable-store adapter: StoredCredential and
// DeviceAccount are JSON-encoded string values keyed by user_id (and
// website, for accounts); PairingCode leans on Redis's native key TTL so
// the 15-minute single-use expiry needs no background
// sweep — Sweep is a no-op here, the store itself enforces the deadline.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing *redis.Client. prefix namespaces all
// keys this adapter writes (e.g. "bnode:").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) credKey(userID string) string { return r.prefix + "cred:" + userID }
func (r *RedisStore) acctKey(userID, website string) string {
	return r.prefix + "acct:" + userID + ":" + website
}
func (r *RedisStore) codeKey(code string) string { return r.prefix + "code:" + code }
func (r *RedisStore) codeByUserKey(userID string) string {
	return r.prefix + "code_by_user:" + userID
}

// Get implements CredentialStore.
func (r *RedisStore) Get(ctx context.Context, userID string) (*StoredCredential, error) {
	raw, err := r.rdb.Get(ctx, r.credKey(userID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("store: redis get credential: %w", err)
	}
	var c StoredCredential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("store: decode credential: %w", err)
	}
	return &c, nil
}

// Put implements CredentialStore.
func (r *RedisStore) Put(ctx context.Context, cred *StoredCredential) error {
	buf, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("store: encode credential: %w", err)
	}
	return r.rdb.Set(ctx, r.credKey(cred.UserID), buf, 0).Err()
}

// MarkLoggedOut implements CredentialStore.
func (r *RedisStore) MarkLoggedOut(ctx context.Context, userID string) error {
	c, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	c.LoggedOut = true
	return r.Put(ctx, c)
}

// redisDeviceAccounts implements DeviceAccountStore against the same
// client as RedisStore.
type redisDeviceAccounts struct{ r *RedisStore }

func (d redisDeviceAccounts) Get(ctx context.Context, userID, website string) (*DeviceAccount, error) {
	raw, err := d.r.rdb.Get(ctx, d.r.acctKey(userID, website)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("store: redis get device account: %w", err)
	}
	var a DeviceAccount
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("store: decode device account: %w", err)
	}
	return &a, nil
}

func (d redisDeviceAccounts) Put(ctx context.Context, acc *DeviceAccount) error {
	buf, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("store: encode device account: %w", err)
	}
	return d.r.rdb.Set(ctx, d.r.acctKey(acc.UserID, acc.Website), buf, 0).Err()
}

// redisPairingCodes implements PairingCodeStore using SETEX for the
// single-use, time-bounded code record plus a secondary pointer key so
// GetByUser can find a user's outstanding code without a scan.
type redisPairingCodes struct {
	r   *RedisStore
	ttl time.Duration
}

func (p redisPairingCodes) Put(ctx context.Context, code *PairingCode, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.ttl
	}
	buf, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("store: encode pairing code: %w", err)
	}
	pipe := p.r.rdb.TxPipeline()
	pipe.Set(ctx, p.r.codeKey(code.Code), buf, ttl)
	pipe.Set(ctx, p.r.codeByUserKey(code.UserID), code.Code, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (p redisPairingCodes) GetByUser(ctx context.Context, userID string) (*PairingCode, error) {
	code, err := p.r.rdb.Get(ctx, p.r.codeByUserKey(userID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("store: redis lookup pairing code by user: %w", err)
	}
	raw, err := p.r.rdb.Get(ctx, p.r.codeKey(code)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("store: redis get pairing code: %w", err)
	}
	var c PairingCode
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("store: decode pairing code: %w", err)
	}
	return &c, nil
}

// Take atomically fetches and deletes the code record (GETDEL), enforcing
// single use even under concurrent registration attempts.
func (p redisPairingCodes) Take(ctx context.Context, code string) (*PairingCode, error) {
	raw, err := p.r.rdb.GetDel(ctx, p.r.codeKey(code)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("store: redis take pairing code: %w", err)
	}
	var c PairingCode
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("store: decode pairing code: %w", err)
	}
	p.r.rdb.Del(ctx, p.r.codeByUserKey(c.UserID))
	return &c, nil
}

// Sweep is a no-op: Redis key TTL already enforces the 15-minute expiry.
func (p redisPairingCodes) Sweep(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

// NewRedisBackedStore wires a *redis.Client into a Store. pairingTTL is
// normally 15*time.Minute.
func NewRedisBackedStore(rdb *redis.Client, keyPrefix string, pairingTTL time.Duration) *Store {
	rs := NewRedisStore(rdb, keyPrefix)
	return &Store{
		Credentials:    rs,
		DeviceAccounts: redisDeviceAccounts{rs},
		PairingCodes:   redisPairingCodes{r: rs, ttl: pairingTTL},
	}
}
