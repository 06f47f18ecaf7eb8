package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zile0207/ai-itinerary-sub002/backend/config"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/collab"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/httpapi/middleware"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/metrics"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ws"
)

func TestRouter(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.Secret = "router-test-secret"
	cfg.Log.Level = "info"

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	versions := version.NewManager(version.Options{})
	docs := collab.NewManager(versions, collab.Options{})
	t.Cleanup(func() {
		docs.Close()
		versions.Close()
	})
	hub := ws.NewHub(nil)
	r := newRouter(cfg, zerolog.Nop(), reg, docs, hub, ws.NewManager(hub, docs, zerolog.Nop(), mt))

	token, err := middleware.SignAccessToken([]byte(cfg.Auth.Secret), "u1", "alice", time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"health is public", "/collab/healthz", "", http.StatusOK},
		{"metrics is public", "/metrics", "", http.StatusOK},
		{"api requires token", "/v1/documents/trip", "", http.StatusUnauthorized},
		{"ws requires token", "/collab/ws", "", http.StatusUnauthorized},
		{"api with token", "/v1/documents/trip", token, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "collab_server dev")
}
