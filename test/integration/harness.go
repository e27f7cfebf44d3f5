// Package integration provides a reusable test harness for end-to-end
// testing of the grid server. It starts the full HTTP stack with a mock OData
// backend and a test JWT issuer.
package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/internal/definition"
	"github.com/pitabwire/odatagrid/internal/fetch"
	"github.com/pitabwire/odatagrid/internal/grid"
	"github.com/pitabwire/odatagrid/internal/observability"
	"github.com/pitabwire/odatagrid/internal/transport"
	"github.com/pitabwire/odatagrid/model"
)

// CatalogService is the service id of the default mock backend.
const CatalogService = "catalog"

// DefaultDefinitions declares the grids served by the harness.
const DefaultDefinitions = `domain: catalog
version: "1.0.0"
grids:
  - id: products
    title: Products
    service_id: catalog
    resource: Products
    page_size: 2
    row_key: ID
    default_sorting:
      - field: ID
        order: 1
    columns:
      - field: Name
        sortable: true
        filterable: true
      - field: Price
        data_type: numeric
        sortable: true
  - id: premium
    service_id: catalog
    resource: Products
    page_size: 5
    default_filters:
      - field: Price
        match_mode: gt
        value: 3
`

// TestHarness is a fully wired server instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Registry *definition.Registry
	Fetchers *fetch.Registry
	Sessions *grid.Manager
	Metrics  *observability.Metrics

	backend *MockBackend
	cfg     *config.Config
}

// HarnessOption configures the harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions    string
	service        config.ServiceConfig
	handlerTimeout time.Duration
	maxSessions    int
}

// WithDefinitions replaces the grid definition document.
func WithDefinitions(yaml string) HarnessOption {
	return func(c *harnessConfig) { c.definitions = yaml }
}

// WithCircuitBreaker sets the backend's circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.service.CircuitBreaker = cb }
}

// WithRetry sets the backend's retry policy.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) { c.service.Retry = r }
}

// WithBackendTimeout sets the per-request backend timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.service.Timeout = d }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithMaxSessions caps concurrently hosted sessions.
func WithMaxSessions(n int) HarnessOption {
	return func(c *harnessConfig) { c.maxSessions = n }
}

// NewTestHarness builds and starts a server. Everything is torn down when the
// test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitions:    DefaultDefinitions,
		handlerTimeout: 10 * time.Second,
		maxSessions:    100,
		service: config.ServiceConfig{
			Timeout: 5 * time.Second,
			Retry:   config.RetryConfig{MaxAttempts: 1},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	// Step 1: Start the mock backend.
	h.backend = newMockBackend(t, CatalogService)
	h.backend.Seed("Products", ProductRows(5))

	service := hc.service
	service.BaseURL = h.backend.URL()
	services := map[string]config.ServiceConfig{CatalogService: service}

	// Step 2: Build fetchers and metrics.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Fetchers = fetch.NewRegistry(services, logger, h.Metrics)

	// Step 3: Load and validate definitions.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(hc.definitions), 0o644); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	defs, err := definition.NewLoader(true).LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator(h.Fetchers, nil).Validate(defs); len(verrs) > 0 {
		t.Fatalf("invalid definitions: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 4: Host sessions.
	h.Sessions = grid.NewManager(
		grid.ManagerConfig{IdleTTL: time.Minute, SweepInterval: time.Minute, MaxSessions: hc.maxSessions},
		grid.NewCatalog(h.Registry, h.Fetchers),
		logger,
		h.Metrics,
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Sessions.Run(ctx)
		close(done)
	}()

	// Step 5: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Enabled:      true,
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
	}
	h.cfg.Services = services

	// Step 7: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, jwks, logger),
		Grids:          h.Registry,
		Sessions:       h.Sessions,
		Metrics:        h.Metrics,
		MetricsHandler: observability.Handler(),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			Backends:          h.Fetchers.HealthCheckers(),
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		<-done
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string { return h.server.URL }

// Backend returns the mock OData backend.
func (h *TestHarness) Backend() *MockBackend { return h.backend }

// GenerateToken creates a valid token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a token that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodGet, path, nil, token)
}

// POST performs an authenticated POST with a JSON body; body may be nil.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, token)
}

// PUT performs an authenticated PUT with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPut, path, body, token)
}

// DELETE performs an authenticated DELETE.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodDelete, path, nil, token)
}

func (h *TestHarness) do(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// OpenSession creates a session on gridID and returns its first snapshot.
func (h *TestHarness) OpenSession(t *testing.T, gridID, token string) model.SessionDescriptor {
	t.Helper()
	var desc model.SessionDescriptor
	h.AssertJSON(t, h.POST("/ui/grids/"+gridID+"/sessions", nil, token), http.StatusCreated, &desc)
	return desc
}

// Events opens the session's event stream. Reading stops when the test ends.
func (h *TestHarness) Events(t *testing.T, sessionID, token string) <-chan SSEEvent {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/ui/sessions/"+sessionID+"/events", nil)
	if err != nil {
		cancel()
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open events: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("events status = %d, want 200", resp.StatusCode)
	}

	events := make(chan SSEEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		var ev SSEEvent
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.Name != "" {
					events <- ev
				}
				ev = SSEEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = []byte(strings.TrimPrefix(line, "data: "))
			}
		}
	}()
	t.Cleanup(cancel)
	return events
}

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Name string
	Data []byte
}

// WaitForSnapshot reads events until one satisfies match.
func WaitForSnapshot(t *testing.T, events <-chan SSEEvent, match func(model.SessionDescriptor) bool) model.SessionDescriptor {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed")
			}
			if ev.Name != "snapshot" {
				continue
			}
			var desc model.SessionDescriptor
			if err := json.Unmarshal(ev.Data, &desc); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			if match(desc) {
				return desc
			}
		case <-timeout:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

// ParseJSON reads the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks the status code and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the status and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode decodes an error response and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Default test claims ---

// AliceClaims returns claims for the primary test user.
func AliceClaims() TestClaims {
	return TestClaims{SubjectID: "user-alice", TenantID: "acme-corp", Roles: []string{"grid_viewer"}}
}

// BobClaims returns claims for a second user in the same tenant.
func BobClaims() TestClaims {
	return TestClaims{SubjectID: "user-bob", TenantID: "acme-corp", Roles: []string{"grid_viewer"}}
}
