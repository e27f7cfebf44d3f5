package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/model"
)

// ==========================================================================
// Backend Error Tests
// ==========================================================================

func TestResilience_BackendErrorIsPublished(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())

	h.Backend().OnEntitySet("Products").RespondWith(http.StatusInternalServerError, map[string]any{"error": "boom"})

	resp := h.POST("/ui/grids/products/sessions", nil, token)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var desc model.SessionDescriptor
	h.ParseJSON(resp, &desc)
	if desc.Error == nil || desc.Error.Code != model.ErrBackendError {
		t.Fatalf("error = %+v, want %s", desc.Error, model.ErrBackendError)
	}
	if desc.Loading {
		t.Error("loading should be false after a failed fetch")
	}
	if len(desc.Data) != 0 {
		t.Errorf("data = %v, want empty", desc.Data)
	}

	// A later success clears the error.
	h.Backend().Reset()
	var ok model.SessionDescriptor
	h.AssertJSON(t, h.POST("/ui/sessions/"+desc.ID+"/refresh", nil, token), http.StatusOK, &ok)
	if ok.Error != nil {
		t.Errorf("error = %+v, want nil after recovery", ok.Error)
	}
	if ok.TotalCount != 5 {
		t.Errorf("total_count = %d, want 5", ok.TotalCount)
	}
}

func TestResilience_MissingEntitySet(t *testing.T) {
	h := NewTestHarness(t, WithDefinitions(`domain: catalog
version: "1.0.0"
grids:
  - id: ghosts
    service_id: catalog
    resource: Ghosts
`))
	token := h.GenerateToken(AliceClaims())

	resp := h.POST("/ui/grids/ghosts/sessions", nil, token)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	resp.Body.Close()
}

// ==========================================================================
// Retry and Timeout Tests
// ==========================================================================

func TestResilience_RetriesTransientFailures(t *testing.T) {
	h := NewTestHarness(t, WithRetry(config.RetryConfig{
		MaxAttempts:    3,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}))
	token := h.GenerateToken(AliceClaims())

	h.Backend().OnEntitySet("Products").
		RespondWith(http.StatusServiceUnavailable, map[string]any{"error": "busy"}).
		RespondWith(http.StatusServiceUnavailable, map[string]any{"error": "busy"}).
		RespondWith(http.StatusOK, nil)

	desc := h.OpenSession(t, "products", token)
	if desc.TotalCount != 5 || len(desc.Data) != 2 {
		t.Errorf("snapshot = %d rows / %d total, want 2 / 5", len(desc.Data), desc.TotalCount)
	}
	h.Backend().AssertCalled(t, "Products", 3)
}

func TestResilience_ClientErrorsAreNotRetried(t *testing.T) {
	h := NewTestHarness(t, WithRetry(config.RetryConfig{MaxAttempts: 3, BackoffInitial: time.Millisecond}))
	token := h.GenerateToken(AliceClaims())

	h.Backend().OnEntitySet("Products").RespondWith(http.StatusBadRequest, map[string]any{"error": "bad $filter"})

	h.AssertStatus(t, h.POST("/ui/grids/products/sessions", nil, token), http.StatusBadGateway)
	h.Backend().AssertCalled(t, "Products", 1)
}

func TestResilience_BackendTimeout(t *testing.T) {
	h := NewTestHarness(t, WithBackendTimeout(100*time.Millisecond))
	token := h.GenerateToken(AliceClaims())

	h.Backend().OnEntitySet("Products").RespondWithDelay(2*time.Second, http.StatusOK, nil)

	resp := h.POST("/ui/grids/products/sessions", nil, token)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	var desc model.SessionDescriptor
	h.ParseJSON(resp, &desc)
	if desc.Error == nil || desc.Error.Code != model.ErrBackendTimeout {
		t.Errorf("error = %+v, want %s", desc.Error, model.ErrBackendTimeout)
	}
}

func TestResilience_ConnectionDropped(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())

	h.Backend().OnEntitySet("Products").RespondWithConnectionError()

	resp := h.POST("/ui/grids/products/sessions", nil, token)
	if resp.StatusCode < 500 {
		t.Errorf("status = %d, want 5xx", resp.StatusCode)
	}
	resp.Body.Close()
}

// ==========================================================================
// Circuit Breaker Tests
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}))
	token := h.GenerateToken(AliceClaims())

	h.Backend().OnEntitySet("Products").RespondWith(http.StatusInternalServerError, map[string]any{"error": "fail"})

	var desc model.SessionDescriptor
	h.AssertJSON(t, h.POST("/ui/grids/products/sessions?read=false", nil, token), http.StatusCreated, &desc)
	base := "/ui/sessions/" + desc.ID

	for range 2 {
		h.AssertStatus(t, h.POST(base+"/refresh", nil, token), http.StatusBadGateway)
	}
	h.Backend().AssertCalled(t, "Products", 2)

	var open model.SessionDescriptor
	h.ParseJSON(h.POST(base+"/refresh", nil, token), &open)
	if open.Error == nil || open.Error.Code != model.ErrBackendUnavailable {
		t.Errorf("error = %+v, want %s", open.Error, model.ErrBackendUnavailable)
	}
	h.Backend().AssertCalled(t, "Products", 2)

	ready := h.GET("/ui/ready", "")
	if ready.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503 while the breaker is open", ready.StatusCode)
	}
	ready.Body.Close()
}

func TestResilience_CircuitBreakerRecovers(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          300 * time.Millisecond,
	}))
	token := h.GenerateToken(AliceClaims())

	h.Backend().OnEntitySet("Products").
		RespondWith(http.StatusInternalServerError, map[string]any{"error": "fail"}).
		RespondWith(http.StatusOK, nil)

	resp := h.POST("/ui/grids/products/sessions", nil, token)
	var desc model.SessionDescriptor
	h.ParseJSON(resp, &desc)

	time.Sleep(500 * time.Millisecond)

	var recovered model.SessionDescriptor
	h.AssertJSON(t, h.POST("/ui/sessions/"+desc.ID+"/refresh", nil, token), http.StatusOK, &recovered)
	if recovered.Error != nil {
		t.Errorf("error = %+v, want nil after half-open probe", recovered.Error)
	}
}
