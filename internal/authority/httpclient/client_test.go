package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

func TestConsumeSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, consumePath, r.URL.Path)
		assert.Equal(t, "01HX-KEY", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req domain.ConsumeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(7), req.Quantity)
		assert.Equal(t, "gl.entries", req.FeatureKey)

		_ = json.NewEncoder(w).Encode(domain.ConsumeResult{Allowed: true, RemoteEventID: "evt_1", CurrentUsage: 47})
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)

	res, err := client.Consume(context.Background(), domain.ConsumeRequest{
		Scope: domain.ScopeTenant, TenantID: "t1", FeatureKey: "gl.entries", Quantity: 7, IdempotencyKey: "01HX-KEY",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "evt_1", res.RemoteEventID)
	assert.Equal(t, int64(47), res.CurrentUsage)
}

func TestConsumeStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"conflict", http.StatusConflict, "", domain.ErrRemoteDuplicate},
		{"payment required", http.StatusPaymentRequired, "", domain.ErrRemoteRejected},
		{"forbidden quota", http.StatusForbidden, "quota_exceeded", domain.ErrRemoteRejected},
		{"unprocessable limit", http.StatusUnprocessableEntity, "LIMIT_EXCEEDED", domain.ErrRemoteRejected},
		{"forbidden token", http.StatusForbidden, "invalid_token", domain.ErrRemoteTransient},
		{"forbidden bare", http.StatusForbidden, "", domain.ErrRemoteTransient},
		{"unprocessable validation", http.StatusUnprocessableEntity, "invalid_quantity", domain.ErrRemoteTransient},
		{"unauthorized", http.StatusUnauthorized, "quota_exceeded", domain.ErrRemoteTransient},
		{"too many requests", http.StatusTooManyRequests, "", domain.ErrRemoteTransient},
		{"internal error", http.StatusInternalServerError, "", domain.ErrRemoteTransient},
		{"bad gateway", http.StatusBadGateway, "", domain.ErrRemoteTransient},
		{"bad request", http.StatusBadRequest, "", domain.ErrRemoteTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"code": tc.code, "message": "request refused"},
				})
			}))
			defer srv.Close()

			client, err := New(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = client.Consume(context.Background(), domain.ConsumeRequest{IdempotencyKey: "k"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), "request refused")
		})
	}
}

func TestConsumeNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Consume(ctx, domain.ConsumeRequest{IdempotencyKey: "k"})
	assert.ErrorIs(t, err, domain.ErrRemoteTransient)
}

func TestQueryUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, usagePath, r.URL.Path)
		assert.Equal(t, "SUB_TENANT", r.URL.Query().Get("scope"))
		assert.Equal(t, "t1", r.URL.Query().Get("tenant_id"))
		assert.Equal(t, "ws-1", r.URL.Query().Get("sub_scope_id"))
		_, _ = w.Write([]byte(`{"usage":[{"feature_key":"gl.entries","current_usage":40}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	usage, err := client.QueryUsage(context.Background(), domain.ScopeSubTenant, "t1", "ws-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, domain.RemoteUsage{FeatureKey: "gl.entries", CurrentUsage: 40}, usage[0])
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}
