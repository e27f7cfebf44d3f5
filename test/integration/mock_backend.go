package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockBackend is an OData service serving in-memory entity sets. Every request
// is recorded; scripted responses can replace the default collection handling
// to simulate failures and slow responses.
type MockBackend struct {
	t         *testing.T
	serviceID string
	server    *httptest.Server

	mu       sync.RWMutex
	sets     map[string][]map[string]any
	scripted map[string]*scriptedResponses
	received map[string][]*RecordedRequest
}

// RecordedRequest captures a request received by the mock backend.
type RecordedRequest struct {
	Path string
	// RawQuery is the query string as sent on the wire.
	RawQuery string
	// Query holds the decoded system query options ("$filter", "$top", ...).
	Query      map[string]string
	Headers    http.Header
	ReceivedAt time.Time
}

type scriptedResponses struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// EntitySetMock configures responses for one entity set.
type EntitySetMock struct {
	backend *MockBackend
	set     string
}

func newMockBackend(t *testing.T, serviceID string) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:         t,
		serviceID: serviceID,
		sets:      make(map[string][]map[string]any),
		scripted:  make(map[string]*scriptedResponses),
		received:  make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /odata/{set}", mb.handleCollection)
	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)

	return mb
}

// URL returns the service root of the mock backend.
func (mb *MockBackend) URL() string {
	return mb.server.URL + "/odata"
}

// Seed replaces the rows of an entity set.
func (mb *MockBackend) Seed(set string, rows []map[string]any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.sets[set] = rows
}

// OnEntitySet returns a builder for scripting responses of set.
func (mb *MockBackend) OnEntitySet(set string) *EntitySetMock {
	return &EntitySetMock{backend: mb, set: set}
}

// RespondWith queues a fixed response.
func (m *EntitySetMock) RespondWith(status int, body any) *EntitySetMock {
	m.backend.addResponse(m.set, &mockResponse{status: status, body: body})
	return m
}

// RespondWithDelay queues a response delivered after delay. A nil body serves
// the seeded collection.
func (m *EntitySetMock) RespondWithDelay(delay time.Duration, status int, body any) *EntitySetMock {
	m.backend.addResponse(m.set, &mockResponse{status: status, body: body, delay: delay})
	return m
}

// RespondWithConnectionError queues a response that drops the connection.
func (m *EntitySetMock) RespondWithConnectionError() *EntitySetMock {
	m.backend.addResponse(m.set, &mockResponse{connError: true})
	return m
}

func (mb *MockBackend) addResponse(set string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	s, ok := mb.scripted[set]
	if !ok {
		s = &scriptedResponses{}
		mb.scripted[set] = s
	}
	s.responses = append(s.responses, resp)
}

func (mb *MockBackend) handleCollection(w http.ResponseWriter, r *http.Request) {
	set := r.PathValue("set")

	rec := &RecordedRequest{
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Query:      make(map[string]string),
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			rec.Query[key] = values[0]
		}
	}
	mb.mu.Lock()
	mb.received[set] = append(mb.received[set], rec)
	mb.mu.Unlock()

	resp := mb.nextResponse(set)
	if resp != nil {
		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		if resp.body != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.status)
			json.NewEncoder(w).Encode(resp.body)
			return
		}
	}

	mb.mu.RLock()
	rows, ok := mb.sets[set]
	mb.mu.RUnlock()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "NotFound", "message": "entity set " + set + " not found"},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CollectionFixture(page(rows, rec.Query), len(rows)))
}

// page applies $skip and $top to rows. Filtering and ordering are only
// recorded, not evaluated.
func page(rows []map[string]any, q map[string]string) []map[string]any {
	skip, _ := strconv.Atoi(q["$skip"])
	top, err := strconv.Atoi(q["$top"])
	if err != nil {
		top = len(rows)
	}
	if skip >= len(rows) {
		return []map[string]any{}
	}
	return rows[skip:min(skip+top, len(rows))]
}

func (mb *MockBackend) nextResponse(set string) *mockResponse {
	mb.mu.RLock()
	s, ok := mb.scripted[set]
	mb.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	idx := s.current
	if idx >= len(s.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(s.responses) - 1
	} else {
		s.current++
	}
	return s.responses[idx]
}

// AssertCalled verifies that set was requested count times.
func (mb *MockBackend) AssertCalled(t *testing.T, set string, count int) {
	t.Helper()
	if got := len(mb.Requests(set)); got != count {
		t.Errorf("mock %s: entity set %q requested %d times, want %d", mb.serviceID, set, got, count)
	}
}

// LastRequest returns the last request for set, or nil.
func (mb *MockBackend) LastRequest(set string) *RecordedRequest {
	reqs := mb.Requests(set)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Requests returns every request received for set.
func (mb *MockBackend) Requests(set string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return append([]*RecordedRequest(nil), mb.received[set]...)
}

// Reset clears recorded requests and scripted responses. Seeded rows stay.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.scripted = make(map[string]*scriptedResponses)
	mb.received = make(map[string][]*RecordedRequest)
}

// CollectionFixture builds an OData collection response body.
func CollectionFixture(rows []map[string]any, count int) map[string]any {
	return map[string]any{
		"@odata.context": "$metadata#Collection",
		"@odata.count":   count,
		"value":          rows,
	}
}

// ProductRows returns n product entities with IDs 1..n.
func ProductRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		id := i + 1
		rows[i] = map[string]any{
			"ID":       id,
			"Name":     "Product " + strconv.Itoa(id),
			"Price":    float64(id) * 1.5,
			"Category": strings.Repeat("A", id%3+1),
		}
	}
	return rows
}
