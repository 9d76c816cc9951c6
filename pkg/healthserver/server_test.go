package healthserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/version"
)

// Helper to create an archive store backed by a throwaway database.
func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "archive.db")
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return persistence.NewStore(db)
}

func doRequest(t *testing.T, server *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	server := New(Config{}, nil)

	w := doRequest(t, server, http.MethodGet, "/healthz")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %s", response["status"])
	}
	if response["version"] != version.Version {
		t.Errorf("Expected version %q, got %q", version.Version, response["version"])
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	server := New(Config{}, nil)

	w := doRequest(t, server, http.MethodPost, "/healthz")

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestStatusWithoutArchive(t *testing.T) {
	server := New(Config{}, nil)

	w := doRequest(t, server, http.MethodGet, "/status")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Version == "" {
		t.Error("Expected version to be set")
	}
	if resp.Uptime == "" {
		t.Error("Expected uptime to be set")
	}
	if len(resp.ActiveRuns) != 0 {
		t.Errorf("Expected no active runs without an archive, got %d", len(resp.ActiveRuns))
	}
	if resp.Live != nil {
		t.Errorf("Expected no live section without a provider, got %v", resp.Live)
	}
}

func TestStatusWithArchive(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertRun(&persistence.Run{
		ID:      "run-active",
		Kind:    persistence.RunKindBuild,
		SpecDir: "/tmp/project/.conductor/specs/001",
		Task:    "add retry logic",
	}); err != nil {
		t.Fatalf("Failed to insert active run: %v", err)
	}

	if err := store.InsertRun(&persistence.Run{
		ID:      "run-done",
		Kind:    persistence.RunKindBuild,
		SpecDir: "/tmp/project/.conductor/specs/002",
		Task:    "fix the parser",
	}); err != nil {
		t.Fatalf("Failed to insert finished run: %v", err)
	}
	if err := store.FinishRun("run-done", persistence.RunStatusCompleted, 1, ""); err != nil {
		t.Fatalf("Failed to finish run: %v", err)
	}

	if err := store.InsertSession(&persistence.SessionRecord{
		ID:          "sess-001",
		RunID:       "run-done",
		Role:        "coder",
		Phase:       "coding",
		Outcome:     "success",
		TotalTokens: 1234,
	}); err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}

	logx.NewLogger("healthtest").Info("archive snapshot ready for status test")

	server := New(Config{}, store)
	w := doRequest(t, server, http.MethodGet, "/status")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(resp.ActiveRuns) != 1 {
		t.Fatalf("Expected 1 active run, got %d", len(resp.ActiveRuns))
	}
	if resp.ActiveRuns[0].ID != "run-active" {
		t.Errorf("Expected active run 'run-active', got %s", resp.ActiveRuns[0].ID)
	}

	if len(resp.RecentRuns) != 2 {
		t.Errorf("Expected 2 recent runs, got %d", len(resp.RecentRuns))
	}

	if len(resp.RecentSessions) != 1 {
		t.Fatalf("Expected 1 recent session, got %d", len(resp.RecentSessions))
	}
	if resp.RecentSessions[0].Role != "coder" {
		t.Errorf("Expected session role 'coder', got %s", resp.RecentSessions[0].Role)
	}

	// The log ring is shared across the package, so look for our line rather
	// than asserting an exact count.
	found := false
	for _, entry := range resp.Logs {
		if strings.Contains(entry.Message, "archive snapshot ready for status test") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected the test log line to appear in the status logs")
	}
}

func TestStatusLiveProvider(t *testing.T) {
	server := New(Config{}, nil)
	server.SetStatusProvider(stubProvider{snapshot: map[string]any{
		"phase":   "coding",
		"subtask": "1.2",
	}})

	w := doRequest(t, server, http.MethodGet, "/status")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Live == nil {
		t.Fatal("Expected live section with a provider registered")
	}
	if resp.Live["phase"] != "coding" {
		t.Errorf("Expected live phase 'coding', got %v", resp.Live["phase"])
	}
}

func TestStatusRoleCosts(t *testing.T) {
	t.Run("Reported", func(t *testing.T) {
		server := New(Config{}, nil)
		server.SetCostSource(stubCosts{costs: map[string]float64{"coder": 1.25, "qa_reviewer": 0.4}})

		w := doRequest(t, server, http.MethodGet, "/status")

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}

		var resp StatusResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}

		if len(resp.RoleCosts) != 2 {
			t.Fatalf("Expected 2 role cost entries, got %d", len(resp.RoleCosts))
		}
		if resp.RoleCosts["coder"] != 1.25 {
			t.Errorf("Expected coder cost 1.25, got %v", resp.RoleCosts["coder"])
		}
	})

	t.Run("SourceErrorDegrades", func(t *testing.T) {
		server := New(Config{}, nil)
		server.SetCostSource(stubCosts{err: errors.New("prometheus unreachable")})

		w := doRequest(t, server, http.MethodGet, "/status")

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200 despite cost source failure, got %d", w.Code)
		}

		var resp StatusResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.RoleCosts != nil {
			t.Errorf("Expected no role costs on source failure, got %v", resp.RoleCosts)
		}
	})
}

func TestStatusInvalidSince(t *testing.T) {
	server := New(Config{}, nil)

	w := doRequest(t, server, http.MethodGet, "/status?since=not-a-time")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid since, got %d", w.Code)
	}
}

func TestMetricsGated(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		server := New(Config{EnableMetrics: false}, nil)

		w := doRequest(t, server, http.MethodGet, "/metrics")

		if w.Code != http.StatusNotFound {
			t.Errorf("Expected status 404 with metrics disabled, got %d", w.Code)
		}
	})

	t.Run("Enabled", func(t *testing.T) {
		server := New(Config{EnableMetrics: true}, nil)

		w := doRequest(t, server, http.MethodGet, "/metrics")

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200 with metrics enabled, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "# HELP") {
			t.Error("Expected Prometheus exposition output")
		}
	})
}

type stubProvider struct {
	snapshot map[string]any
}

func (p stubProvider) StatusSnapshot() map[string]any { return p.snapshot }

type stubCosts struct {
	costs map[string]float64
	err   error
}

func (c stubCosts) GetRoleCosts(context.Context) (map[string]float64, error) { return c.costs, c.err }
