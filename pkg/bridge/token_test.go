package bridge_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/voicebridge-go/pkg/bridge"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	token, err := bridge.GenerateSessionToken("secret-key", "+15550001111")
	require.NoError(t, err)

	callerID, err := bridge.ValidateSessionToken(token, "secret-key")
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", callerID)
}

func TestSessionTokenWithoutCaller(t *testing.T) {
	token, err := bridge.GenerateSessionToken("secret-key", "")
	require.NoError(t, err)

	callerID, err := bridge.ValidateSessionToken(token, "secret-key")
	require.NoError(t, err)
	assert.Empty(t, callerID)
}

func TestSessionTokenWrongKey(t *testing.T) {
	token, err := bridge.GenerateSessionToken("secret-key", "caller")
	require.NoError(t, err)

	_, err = bridge.ValidateSessionToken(token, "other-key")
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeAuthFailed))
}

func TestSessionTokenGarbage(t *testing.T) {
	_, err := bridge.ValidateSessionToken("not.a.jwt", "secret-key")
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeAuthFailed))
}

func TestSessionTokenRequiresKey(t *testing.T) {
	_, err := bridge.GenerateSessionToken("", "caller")
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeAuthFailed))
}

func TestTokenManagerCachesToken(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		expires := time.Now().Add(time.Hour).UnixMilli()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"tok-1","expiresAt":` + itoa(expires) + `}`))
	}))
	defer srv.Close()

	tm := bridge.NewTokenManager(srv.URL, 60)

	tok, err := tm.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = tm.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int64(1), calls.Load())

	tm.Clear()
	_, err = tm.Token()
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestTokenManagerRefreshesExpiring(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		// Expiry inside the refresh buffer forces a refresh on next use.
		expires := time.Now().Add(10 * time.Second).UnixMilli()
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Write([]byte(`{"token":"tok-1","expiresAt":` + itoa(expires) + `}`))
		} else {
			w.Write([]byte(`{"token":"tok-2","expiresAt":` + itoa(expires) + `}`))
		}
	}))
	defer srv.Close()

	tm := bridge.NewTokenManager(srv.URL, 60)

	tok, err := tm.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = tm.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenManagerEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	tm := bridge.NewTokenManager(srv.URL, 60)
	_, err := tm.Token()
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeAuthFailed))
}

func TestTokenManagerEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":""}`))
	}))
	defer srv.Close()

	tm := bridge.NewTokenManager(srv.URL, 60)
	_, err := tm.Token()
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeAuthFailed))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
