package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inferq/internal/backend"
	"inferq/internal/config"
	"inferq/internal/engine"
	"inferq/internal/httpapi"
	"inferq/pkg/types"
)

// stubBackend answers /v1/stylize. failFirst attempts get failStatus
// before it starts succeeding.
type stubBackend struct {
	calls      atomic.Int32
	failFirst  int32
	failStatus int
}

func (b *stubBackend) start(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /v1/stylize", func(w http.ResponseWriter, r *http.Request) {
		n := b.calls.Add(1)
		if n <= b.failFirst {
			http.Error(w, "backend busy", b.failStatus)
			return
		}
		var req backend.StylizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(backend.StylizeResponse{ResultRef: "results/" + req.JobID + ".png", MemoryUsedMB: 128})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts.URL
}

// createArtifactRoot lays out namespace/name/version files under a temp dir.
func createArtifactRoot(t *testing.T, keys ...[3]string) string {
	t.Helper()
	root := t.TempDir()
	for _, k := range keys {
		dir := filepath.Join(root, k[0], k[1])
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, k[2]), []byte("weights:"+k[1]), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}
	return root
}

func baseConfig(t *testing.T, backendURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Cache.ArtifactsDir = createArtifactRoot(t, [3]string{"styles", "monet", "v1"}, [3]string{"styles", "vangogh", "v2"})
	cfg.Cache.PersistPath = filepath.Join(t.TempDir(), "cache_lru.json")
	cfg.Cache.SweepIntervalMs = 0
	cfg.Backend.URL = backendURL
	cfg.Scheduler.PollIntervalMs = 10
	cfg.Scheduler.BaseDelayMs = 1
	cfg.Scheduler.MaxDelayMs = 5
	cfg.Scheduler.StuckCheckIntervalMs = 0
	cfg.Memory.SweepIntervalMs = 0
	cfg.Pool.HealthCheckIntervalMs = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// newServer builds an engine and its HTTP API. The engine is not started.
func newServer(t *testing.T, cfg config.Config) (*httptest.Server, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(context.Background(), cfg, engine.Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(eng))
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Close()
	})
	return srv, eng
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func submit(t *testing.T, base string, req types.SubmitRequest) types.JobResponse {
	t.Helper()
	payload, _ := json.Marshal(req)
	resp, body := httpDo(t, http.MethodPost, base+"/jobs", payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d body %s", resp.StatusCode, body)
	}
	var jr types.JobResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	return jr
}

// waitJob polls GET /jobs/{id} until the job reaches want.
func waitJob(t *testing.T, base, id, want string) types.JobResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var jr types.JobResponse
	for time.Now().Before(deadline) {
		resp, body := httpDo(t, http.MethodGet, base+"/jobs/"+id, nil)
		if resp.StatusCode == http.StatusOK {
			if err := json.Unmarshal(body, &jr); err != nil {
				t.Fatalf("decode job: %v", err)
			}
			if jr.Status == want {
				return jr
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s stuck in %q, want %q", id, jr.Status, want)
	return jr
}

func getStatus(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	resp, body := httpDo(t, http.MethodGet, base+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}
