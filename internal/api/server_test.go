package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeromonitor/zeromonitor/internal/auth"
	"github.com/zeromonitor/zeromonitor/internal/config"
	"github.com/zeromonitor/zeromonitor/internal/driver"
	"github.com/zeromonitor/zeromonitor/internal/inventory"
	"github.com/zeromonitor/zeromonitor/internal/models"
	"github.com/zeromonitor/zeromonitor/internal/poller"
	"github.com/zeromonitor/zeromonitor/internal/sink"
)

type stubCollector struct{ name string }

func (c *stubCollector) Collect(ctx context.Context) (*models.SystemMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &models.SystemMetrics{Hostname: c.name, Timestamp: time.Now(), CPULoad1m: 0.1, MemTotalMB: 1024, MemUsedMB: 256}, nil
}

func (c *stubCollector) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *auth.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authService, err := auth.NewService("test-jwt-secret-0123456789abcdef", "", "admin", "secret", time.Hour)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	store := inventory.NewStore(filepath.Join(t.TempDir(), "device_list.json"), nil, 5*time.Second, logger)
	cache := sink.NewSnapshotCache()

	agentCfg := config.Default().Agent
	agentCfg.DrainTimeoutMS = 2000
	factory := func(node models.Node) (poller.Collector, error) {
		return &stubCollector{name: node.Name}, nil
	}
	drv := driver.New(agentCfg, store, factory, []sink.Sink{cache}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- drv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("driver run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("driver did not stop")
		}
	})

	return NewServer(config.Default().Server, drv, store, cache, authService, logger), authService
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status: %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Data.Token == "" {
		t.Fatal("login returned empty token")
	}
	return resp.Data.Token
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/nodes", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d, want 401", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/nodes", "not-a-real-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: got %d, want 401", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: got %d, want 401", rec.Code)
	}
}

func TestNodeLifecycleOverAPI(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	add := map[string]interface{}{
		"name":              "alpha",
		"hostname":          "alpha.example.com",
		"user":              "monitor",
		"operating_system":  "Linux",
		"polling_frequency": 1,
		"credentials":       map[string]string{"password": "pw"},
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/nodes", token, add)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add node: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/nodes", token, add)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate add: got %d, want 409", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/nodes", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list nodes: got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("alpha")) {
		t.Fatalf("node list missing alpha: %s", rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("pw")) {
		t.Fatal("node list leaked credentials")
	}

	// The worker polls immediately, so a snapshot appears quickly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doJSON(t, srv, http.MethodGet, "/api/v1/nodes/alpha/metrics", token, nil)
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no metrics for alpha: %d %s", rec.Code, rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/nodes/alpha/interval", token, map[string]int{"polling_frequency": 30})
	if rec.Code != http.StatusOK {
		t.Fatalf("update interval: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/nodes/ghost/interval", token, map[string]int{"polling_frequency": 30})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("update unknown: got %d, want 404", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/nodes/alpha", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove node: got %d body %s", rec.Code, rec.Body.String())
	}
}
