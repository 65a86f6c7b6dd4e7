package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/pkg/types"
)

func restServer(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRESTClient(srv.URL, "test-token")
}

func TestRESTClient_History(t *testing.T) {
	c := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/history/7A", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","room":"7A","content":"hi"}]}`))
	})

	messages, err := c.History(context.Background(), "7A")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
}

func TestRESTClient_HistoryServerError(t *testing.T) {
	c := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.History(context.Background(), "7A")
	assert.Error(t, err)
}

func TestRESTClient_Status(t *testing.T) {
	c := restServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/status/7A", r.URL.Path)
		_, _ = w.Write([]byte(`{"room":"7A","is_disabled":true}`))
	})

	disabled, err := c.Status(context.Background(), "7A")
	require.NoError(t, err)
	assert.True(t, disabled)
}

func TestRESTClient_TransportError(t *testing.T) {
	c := NewRESTClient("http://127.0.0.1:1", "tok")
	c.http.Timeout = 200 * time.Millisecond

	_, err := c.History(context.Background(), "7A")
	assert.ErrorIs(t, err, types.ErrTransport)

	_, _, err = c.AuthCheck(context.Background())
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestRESTClient_AuthCheckPolicy(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		revoked bool
		reason  string
		wantErr bool
	}{
		{"ok", http.StatusOK, `{"status":"ok"}`, false, "", false},
		{"expired", http.StatusUnauthorized, `{"error":"expired"}`, true, "expired", false},
		{"blocked with reason", http.StatusForbidden, `{"error":"account suspended"}`, true, "account suspended", false},
		// A 403 that does not say why is not treated as authoritative.
		{"403 without reason", http.StatusForbidden, `{}`, false, "", true},
		{"403 garbage body", http.StatusForbidden, `not json`, false, "", true},
		// Server trouble never ends a session.
		{"server error", http.StatusInternalServerError, `{"error":"db down"}`, false, "", true},
		{"rate limited", http.StatusTooManyRequests, ``, false, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := restServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/auth/check", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			revoked, reason, err := c.AuthCheck(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				assert.False(t, revoked)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.revoked, revoked)
			assert.Equal(t, tc.reason, reason)
		})
	}
}
