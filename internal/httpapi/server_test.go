package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inferq/internal/jobs"
	"inferq/internal/memory"
	"inferq/internal/pool"
	"inferq/internal/scheduler"
	"inferq/pkg/types"
)

type mockService struct {
	jobs      map[string]*jobs.Job
	submitted []jobs.Descriptor
	listed    struct {
		status jobs.Status
		limit  int
	}
	status types.StatusResponse
	ready  bool
	err    error
}

func newMockService() *mockService {
	return &mockService{jobs: map[string]*jobs.Job{}}
}

func (m *mockService) Submit(ctx context.Context, d jobs.Descriptor) (*jobs.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	m.submitted = append(m.submitted, d)
	j := &jobs.Job{ID: fmt.Sprintf("job-%d", len(m.submitted)), Status: jobs.StatusQueued, CreatedAt: time.Now(), Descriptor: d}
	m.jobs[j.ID] = j
	return j, nil
}

func (m *mockService) Job(ctx context.Context, id string) (*jobs.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (m *mockService) Jobs(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	m.listed.status, m.listed.limit = status, limit
	var out []*jobs.Job
	for _, j := range m.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, m.err
}

func (m *mockService) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	j.Status = jobs.StatusFailed
	j.Error = "cancelled"
	return j, nil
}

func (m *mockService) Status(ctx context.Context) types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                                    { return m.ready }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSubmitJob(t *testing.T) {
	svc := newMockService()
	h := NewMux(svc)
	w := postJSON(h, "/jobs", `{"input_ref":"inputs/a.png","artifact":"styles/monet@v1","estimated_memory":512,"params":{"allow_downgrade":"true"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/jobs/job-1" {
		t.Fatalf("location=%q", loc)
	}
	var body types.JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.ID != "job-1" || body.Status != "queued" || body.Artifact != "styles/monet@v1" || body.EstimatedMemory != 512 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if svc.submitted[0].Params["allow_downgrade"] != "true" {
		t.Fatalf("params not forwarded: %+v", svc.submitted[0])
	}
}

func TestSubmitJob_RejectsBadRequests(t *testing.T) {
	h := NewMux(newMockService())

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content-type: status=%d", w.Code)
	}

	if w := postJSON(h, "/jobs", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status=%d", w.Code)
	}
	if w := postJSON(h, "/jobs", `{"input_ref":"a","artifact":"s/n@v","bogus":1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status=%d", w.Code)
	}
	w = postJSON(h, "/jobs", `{"input_ref":"  ","artifact":"styles/monet@v1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank input_ref: status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid job descriptor") {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestSubmitJob_BodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(64)
	defer SetMaxBodyBytes(0)
	h := NewMux(newMockService())
	big := `{"input_ref":"` + strings.Repeat("x", 256) + `","artifact":"styles/monet@v1"}`
	if w := postJSON(h, "/jobs", big); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGetAndCancelJob(t *testing.T) {
	svc := newMockService()
	h := NewMux(svc)
	postJSON(h, "/jobs", `{"input_ref":"inputs/a.png","artifact":"styles/monet@v1"}`)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/jobs/job-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status=%d", w.Code)
	}
	var body types.JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Status != "failed" || body.Error != "cancelled" {
		t.Fatalf("unexpected body: %+v", body)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Code != http.StatusNotFound {
		t.Fatalf("error body=%s err=%v", w.Body.String(), err)
	}
}

func TestListJobs(t *testing.T) {
	svc := newMockService()
	h := NewMux(svc)
	postJSON(h, "/jobs", `{"input_ref":"a","artifact":"styles/monet@v1"}`)
	postJSON(h, "/jobs", `{"input_ref":"b","artifact":"styles/monet@v1"}`)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs?status=queued&limit=5000", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.JobsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Count != 2 || len(body.Jobs) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if svc.listed.status != jobs.StatusQueued || svc.listed.limit != maxListLimit {
		t.Fatalf("unexpected list args: %+v", svc.listed)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if svc.listed.status != "" || svc.listed.limit != defaultListLimit {
		t.Fatalf("unexpected default list args: %+v", svc.listed)
	}

	for _, q := range []string{"status=bogus", "limit=0", "limit=abc"} {
		w = httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", q, w.Code)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get: %w", jobs.ErrNotFound), http.StatusNotFound},
		{"processing", scheduler.ErrJobProcessing, http.StatusConflict},
		{"status changed", fmt.Errorf("%w: job is processing, expected queued", jobs.ErrStatusChanged), http.StatusConflict},
		{"memory", &memory.InsufficientCapacityError{Required: 10, Available: 1}, http.StatusTooManyRequests},
		{"pool", fmt.Errorf("%w: pool backend", pool.ErrAcquireTimeout), http.StatusTooManyRequests},
		{"custom", mockHTTPError{msg: "stopping", code: http.StatusServiceUnavailable}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newMockService()
			svc.err = tc.err
			w := httptest.NewRecorder()
			NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/x", nil))
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
		})
	}
}

func TestStatusHandler(t *testing.T) {
	svc := newMockService()
	svc.status = types.StatusResponse{State: "ready", Memory: types.MemoryStatus{Total: 10}}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Memory.Total != 10 || body.State != "ready" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	svc := newMockService()
	svc.ready = true
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(newMockService()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "starting") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(newMockService()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

type streamingService struct {
	*mockService
}

func (streamingService) EventStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("stream"))
	})
}

func TestEventsMountedOnlyForStreamers(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(newMockService()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("plain service: status=%d", w.Code)
	}

	w = httptest.NewRecorder()
	NewMux(streamingService{newMockService()}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Code != http.StatusOK || w.Body.String() != "stream" {
		t.Fatalf("streamer: status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)

	h := NewMux(newMockService())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin=*, got %q", got)
	}
}
