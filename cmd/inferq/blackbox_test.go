package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"inferq/internal/backend"
	"inferq/pkg/types"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func buildBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "inferq")
	cmd := exec.Command("go", "build", "-o", bin, ".")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return bin
}

type serverProc struct {
	cmd  *exec.Cmd
	base string
	done chan error
}

// startServer runs "inferq serve" configured through INFERQ_* variables and
// waits for /healthz.
func startServer(t *testing.T, bin, backendURL string) *serverProc {
	t.Helper()
	artifacts := t.TempDir()
	if err := os.MkdirAll(filepath.Join(artifacts, "styles", "monet"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(artifacts, "styles", "monet", "v1"), []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd := exec.Command(bin, "serve", "--addr", fmt.Sprintf("127.0.0.1:%d", port))
	cmd.Env = append(os.Environ(),
		"INFERQ_STORE_DRIVER=memory",
		"INFERQ_CACHE_ARTIFACTS_DIR="+artifacts,
		"INFERQ_CACHE_PERSIST_PATH="+filepath.Join(t.TempDir(), "lru.json"),
		"INFERQ_BACKEND_URL="+backendURL,
		"INFERQ_SCHEDULER_POLL_INTERVAL_MS=20",
		"INFERQ_LOG_FORMAT=console",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	sp := &serverProc{cmd: cmd, base: base, done: make(chan error, 1)}
	go func() { sp.done <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func request(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_ServeFlowAndGracefulShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary; skipped in -short mode")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /v1/stylize", func(w http.ResponseWriter, r *http.Request) {
		var req backend.StylizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(backend.StylizeResponse{ResultRef: "results/" + req.JobID, MemoryUsedMB: 64})
	})
	be := httptest.NewServer(mux)
	defer be.Close()

	sp := startServer(t, buildBinary(t), be.URL)

	resp, body := request(t, http.MethodPost, sp.base+"/jobs", []byte(`{"input_ref":"inputs/a.png","artifact":"styles/monet@v1","estimated_memory":256}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /jobs %d %s", resp.StatusCode, body)
	}
	var jr types.JobResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		t.Fatalf("submit json: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body = request(t, http.MethodGet, sp.base+"/jobs/"+jr.ID, nil)
		_ = json.Unmarshal(body, &jr)
		if jr.Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete; last=%s", body)
		}
		time.Sleep(25 * time.Millisecond)
	}

	resp, _ = request(t, http.MethodGet, sp.base+"/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d", resp.StatusCode)
	}
	resp, body = request(t, http.MethodGet, sp.base+"/status", nil)
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %v", resp.StatusCode, err)
	}
	if st.Jobs["completed"] != 1 {
		t.Fatalf("status jobs = %v", st.Jobs)
	}

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case err := <-sp.done:
		if err != nil {
			t.Fatalf("server exited with %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
