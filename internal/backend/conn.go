// Package backend talks to the remote inference backend over HTTP. A Conn
// is one pooled session; Factory plugs it into pool.Pool and Processor runs
// job attempts on it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferq/internal/scheduler"
)

// Defaults applied when Config fields are unset.
const (
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 2 * time.Minute
)

// Config describes how to reach the backend.
type Config struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed on another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

// connError marks transport failures; the session should not be reused.
type connError struct{ err error }

func (e *connError) Error() string        { return "backend connection: " + e.err.Error() }
func (e *connError) Unwrap() error        { return e.err }
func (e *connError) Is(target error) bool { return target == scheduler.ErrDiscardConn }

// Conn is one session with the backend. Each Conn owns its transport so a
// pooled Conn maps onto its own keep-alive connection.
type Conn struct {
	ID        string
	CreatedAt time.Time

	baseURL    string
	apiKey     string
	reqTimeout time.Duration
	transport  *http.Transport
	client     *http.Client
}

func newConn(cfg Config) *Conn {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          1,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Conn{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now(),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		reqTimeout: cfg.RequestTimeout,
		transport:  tr,
		// Timeout stays 0: every request carries a context deadline.
		client: &http.Client{Transport: tr, Timeout: 0},
	}
}

// Health probes GET /health.
func (c *Conn) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// StylizeRequest is the body of POST /v1/stylize.
type StylizeRequest struct {
	JobID          string            `json:"job_id"`
	InputRef       string            `json:"input_ref"`
	Artifact       string            `json:"artifact"`
	ArtifactPath   string            `json:"artifact_path,omitempty"`
	ArtifactDigest string            `json:"artifact_digest,omitempty"`
	Quality        string            `json:"quality"`
	Params         map[string]string `json:"params,omitempty"`
}

// StylizeResponse is the backend's answer.
type StylizeResponse struct {
	ResultRef    string `json:"result_ref"`
	MemoryUsedMB int64  `json:"memory_used_mb"`
}

// Stylize runs one processing request.
func (c *Conn) Stylize(ctx context.Context, req StylizeRequest) (StylizeResponse, error) {
	if c.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}
	var resp StylizeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stylize", req, &resp); err != nil {
		return StylizeResponse{}, err
	}
	if resp.ResultRef == "" {
		return StylizeResponse{}, errors.New("backend returned empty result_ref")
	}
	return resp, nil
}

func (c *Conn) close() {
	c.transport.CloseIdleConnections()
}

func (c *Conn) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &connError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

// Factory creates backend sessions for pool.Pool.
type Factory struct {
	cfg Config
	log zerolog.Logger
}

// NewFactory applies defaults to cfg.
func NewFactory(cfg Config) *Factory {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Factory{cfg: cfg, log: cfg.Logger.With().Str("component", "backend").Logger()}
}

// Create opens a session and verifies the backend answers its health probe.
func (f *Factory) Create(ctx context.Context) (*Conn, error) {
	c := newConn(f.cfg)
	if err := c.Health(ctx); err != nil {
		c.close()
		return nil, fmt.Errorf("backend %s unhealthy: %w", f.cfg.BaseURL, err)
	}
	f.log.Debug().Str("event", "conn_created").Str("conn", c.ID).Msg("backend session opened")
	return c, nil
}

// Destroy closes the session's idle connection.
func (f *Factory) Destroy(_ context.Context, c *Conn) error {
	c.close()
	f.log.Debug().Str("event", "conn_closed").Str("conn", c.ID).Msg("backend session closed")
	return nil
}

// Validate is the pool health probe.
func (f *Factory) Validate(ctx context.Context, c *Conn) error {
	return c.Health(ctx)
}
