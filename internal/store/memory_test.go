package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CredentialRoundTrip(t *testing.T) {
	t.Parallel()
	st := NewMemoryBackedStore()
	ctx := context.Background()

	_, err := st.Credentials.Get(ctx, "user1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Credentials.Put(ctx, &StoredCredential{UserID: "user1", CookieBlob: "abc"}))
	cred, err := st.Credentials.Get(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "abc", cred.CookieBlob)
	assert.False(t, cred.LoggedOut)

	require.NoError(t, st.Credentials.MarkLoggedOut(ctx, "user1"))
	cred, err = st.Credentials.Get(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, cred.LoggedOut)
}

func TestMemoryStore_DeviceAccountRoundTrip(t *testing.T) {
	t.Parallel()
	st := NewMemoryBackedStore()
	ctx := context.Background()

	require.NoError(t, st.DeviceAccounts.Put(ctx, &DeviceAccount{UserID: "user1", Website: "site-a", Account: "acct"}))
	acc, err := st.DeviceAccounts.Get(ctx, "user1", "site-a")
	require.NoError(t, err)
	assert.Equal(t, "acct", acc.Account)

	_, err = st.DeviceAccounts.Get(ctx, "user1", "site-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_PairingCodeIsSingleUse(t *testing.T) {
	t.Parallel()
	st := NewMemoryBackedStore()
	ctx := context.Background()

	rec := &PairingCode{Code: "AbcdEfgh", UserID: "user1", CreateTime: time.Now()}
	require.NoError(t, st.PairingCodes.Put(ctx, rec, time.Minute))

	byUser, err := st.PairingCodes.GetByUser(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "AbcdEfgh", byUser.Code)

	taken, err := st.PairingCodes.Take(ctx, "AbcdEfgh")
	require.NoError(t, err)
	assert.Equal(t, "user1", taken.UserID)

	_, err = st.PairingCodes.Take(ctx, "AbcdEfgh")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SweepRemovesOldCodes(t *testing.T) {
	t.Parallel()
	st := NewMemoryBackedStore()
	ctx := context.Background()

	old := &PairingCode{Code: "OldCode1", UserID: "user1", CreateTime: time.Now().Add(-20 * time.Minute)}
	fresh := &PairingCode{Code: "NewCode1", UserID: "user2", CreateTime: time.Now()}
	require.NoError(t, st.PairingCodes.Put(ctx, old, time.Minute))
	require.NoError(t, st.PairingCodes.Put(ctx, fresh, time.Minute))

	n, err := st.PairingCodes.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.PairingCodes.Take(ctx, "OldCode1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.PairingCodes.Take(ctx, "NewCode1")
	assert.NoError(t, err)
}
