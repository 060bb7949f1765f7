package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityBridge_LoginSuccessViaRedirectWithCookie(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/login", r.URL.Path)
		w.Header().Set("Set-Cookie", "session=abc123; Path=/")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	b := NewIdentityBridge(srv.URL, srv.Client())
	result, err := b.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "session=abc123", result.Cookie)
}

func TestIdentityBridge_LoginSuccessViaOKWithCookie(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=xyz789; Path=/")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"user_id":"u1","username":"alice"}`))
	}))
	defer srv.Close()

	b := NewIdentityBridge(srv.URL, srv.Client())
	result, err := b.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "session=xyz789", result.Cookie)
	assert.Equal(t, "alice", result.User.Username)
}

func TestIdentityBridge_LoginFailureWrongCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewIdentityBridge(srv.URL, srv.Client())
	_, err := b.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)

	var coordErr *CoordErr
	require.ErrorAs(t, err, &coordErr)
	assert.Equal(t, KindUpstreamIdPError, coordErr.Kind)
}

func TestIdentityBridge_SignupAlreadyExists(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	b := NewIdentityBridge(srv.URL, srv.Client())
	_, err := b.Signup(context.Background(), "alice", "pw", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 409")
}

func TestGenerateStrongPassword_SatisfiesAllClasses(t *testing.T) {
	t.Parallel()
	pw, err := GenerateStrongPassword()
	require.NoError(t, err)
	require.Len(t, pw, 8)

	assert.True(t, strings.ContainsAny(pw, upperAlphabet))
	assert.True(t, strings.ContainsAny(pw, lowerAlphabet))
	assert.True(t, strings.ContainsAny(pw, digitAlphabet))
	assert.True(t, strings.ContainsAny(pw, symbolAlphabet))
}
