package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/session"
	"github.com/framelink/framelink/internal/transport"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Protocol.InitTimeout = time.Second
	cfg.Protocol.CallTimeout = time.Second

	srv := NewServer(cfg, nil)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func dialChild(t *testing.T, ts *httptest.Server, cfg config.ProtocolConfig) *session.Session {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	sess := session.New(session.RoleChild, transport.NewWS(conn, cfg, nil),
		session.WithConfig(cfg))
	t.Cleanup(func() { sess.Cleanup() })

	require.NoError(t, sess.Initialize(context.Background()))
	require.Equal(t, session.StateReady, sess.State())
	return sess
}

func TestServerHandshake(t *testing.T) {
	srv, ts := testServer(t)
	child := dialChild(t, ts, srv.cfg.Protocol)

	t.Run("child receives the host snapshot", func(t *testing.T) {
		theme, ok := child.Get("theme")
		require.True(t, ok)
		assert.Equal(t, "light", theme)
	})

	t.Run("host methods are callable by name", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return len(child.RemoteMethods()) > 0
		}, 2*time.Second, 20*time.Millisecond)

		stats, err := child.Call(context.Background(), "getStats")
		require.NoError(t, err)
		m, ok := stats.(map[string]any)
		require.True(t, ok)
		assert.Contains(t, m, "uptime")
		assert.Equal(t, 1.0, m["sessions"])
	})
}

func TestServerEndpoints(t *testing.T) {
	srv, ts := testServer(t)

	t.Run("healthz reports live session count", func(t *testing.T) {
		child := dialChild(t, ts, srv.cfg.Protocol)
		_ = child

		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, 1.0, body["sessions"])
	})

	t.Run("sessions lists each live session", func(t *testing.T) {
		fetch := func() (states []string) {
			resp, err := http.Get(ts.URL + "/sessions")
			require.NoError(t, err)
			defer resp.Body.Close()

			var body struct {
				Sessions []struct {
					ID    string `json:"id"`
					State string `json:"state"`
				} `json:"sessions"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			for _, s := range body.Sessions {
				states = append(states, s.State)
			}
			return states
		}

		require.Eventually(t, func() bool {
			states := fetch()
			return len(states) == 1 && states[0] == "ready"
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("metrics endpoint serves the registry", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServerSessionTeardown(t *testing.T) {
	srv, ts := testServer(t)
	child := dialChild(t, ts, srv.cfg.Protocol)

	child.Cleanup()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.sessions) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
