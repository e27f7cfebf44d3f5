package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/odatagrid/model"
)

func TestGridSession_CreateReadsFirstPage(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())

	desc := h.OpenSession(t, "products", token)

	assert.Equal(t, "products", desc.GridID)
	assert.Equal(t, 5, desc.TotalCount)
	assert.Equal(t, 0, desc.First)
	assert.Equal(t, 2, desc.Rows)
	assert.Len(t, desc.Data, 2)
	assert.False(t, desc.Loading)
	assert.Nil(t, desc.Error)

	req := h.Backend().LastRequest("Products")
	require.NotNil(t, req)
	assert.Equal(t, "true", req.Query["$count"])
	assert.Equal(t, "2", req.Query["$top"])
	assert.Equal(t, "0", req.Query["$skip"])
	assert.Equal(t, "ID asc", req.Query["$orderby"])
	assert.NotContains(t, req.Query, "$filter")
}

func TestGridSession_ListGrids(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())

	var body struct {
		Grids []model.GridDescriptor `json:"grids"`
	}
	h.AssertJSON(t, h.GET("/ui/grids", token), http.StatusOK, &body)
	require.Len(t, body.Grids, 2)

	var grid model.GridDescriptor
	h.AssertJSON(t, h.GET("/ui/grids/products", token), http.StatusOK, &grid)
	assert.Equal(t, "Products", grid.Title)
	assert.Equal(t, 2, grid.PageSize)
	assert.Equal(t, "/ui/grids/products/sessions", grid.SessionsURL)
	require.Len(t, grid.Columns, 2)
	assert.Equal(t, "Name", grid.Columns[0].Label)

	h.AssertStatus(t, h.GET("/ui/grids/missing", token), http.StatusNotFound)
}

func TestGridSession_PageFilterSort(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())
	desc := h.OpenSession(t, "products", token)
	base := "/ui/sessions/" + desc.ID

	var paged model.SessionDescriptor
	h.AssertJSON(t, h.POST(base+"/page", model.PageEvent{First: 4, Rows: 2}, token), http.StatusOK, &paged)
	assert.Equal(t, 4, paged.First)
	assert.Len(t, paged.Data, 1)
	assert.Equal(t, "4", h.Backend().LastRequest("Products").Query["$skip"])

	filter := model.FilterEvent{Filters: map[string][]model.FilterConstraint{
		"Name": {{Value: "Pro", MatchMode: "contains"}},
	}}
	h.AssertStatus(t, h.POST(base+"/filter", filter, token), http.StatusOK)
	req := h.Backend().LastRequest("Products")
	assert.Equal(t, "contains(Name,'Pro')", req.Query["$filter"])
	assert.Equal(t, "4", req.Query["$skip"], "filter change keeps the current page")

	sort := model.SortEvent{MultiSortMeta: []model.SortMeta{{Field: "Price", Order: -1}}}
	h.AssertStatus(t, h.POST(base+"/sort", sort, token), http.StatusOK)
	assert.Equal(t, "Price descID asc", h.Backend().LastRequest("Products").Query["$orderby"])

	h.AssertStatus(t, h.POST(base+"/clear", nil, token), http.StatusOK)
	req = h.Backend().LastRequest("Products")
	assert.NotContains(t, req.Query, "$filter")
	assert.Equal(t, "ID asc", req.Query["$orderby"])
}

func TestGridSession_DefaultFilterCombinesWithUserFilter(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())
	desc := h.OpenSession(t, "premium", token)

	assert.Equal(t, "Price gt 3", h.Backend().LastRequest("Products").Query["$filter"])

	filter := model.FilterEvent{Filters: map[string][]model.FilterConstraint{
		"Name": {{Value: "Pro", MatchMode: "startsWith"}},
	}}
	h.AssertStatus(t, h.POST("/ui/sessions/"+desc.ID+"/filter", filter, token), http.StatusOK)
	assert.Equal(t, "startswith(Name,'Pro') and Price gt 3", h.Backend().LastRequest("Products").Query["$filter"])
}

func TestGridSession_ReadDeduplicatesAndRefreshForces(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())
	desc := h.OpenSession(t, "products", token)
	base := "/ui/sessions/" + desc.ID

	h.AssertStatus(t, h.POST(base+"/read", nil, token), http.StatusOK)
	h.Backend().AssertCalled(t, "Products", 1)

	h.AssertStatus(t, h.POST(base+"/refresh", nil, token), http.StatusOK)
	h.Backend().AssertCalled(t, "Products", 2)

	reqs := h.Backend().Requests("Products")
	assert.Equal(t, reqs[0].RawQuery, reqs[1].RawQuery)
}

func TestGridSession_StaleResponseIsDiscarded(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())

	var desc model.SessionDescriptor
	h.AssertJSON(t, h.POST("/ui/grids/products/sessions?read=false", nil, token), http.StatusCreated, &desc)
	base := "/ui/sessions/" + desc.ID

	h.Backend().OnEntitySet("Products").
		RespondWithDelay(500*time.Millisecond, http.StatusOK, CollectionFixture(ProductRows(1), 99)).
		RespondWith(http.StatusOK, nil)

	h.AssertStatus(t, h.POST(base+"/read?wait=false", nil, token), http.StatusAccepted)
	time.Sleep(100 * time.Millisecond)

	var sorted model.SessionDescriptor
	sort := model.SortEvent{MultiSortMeta: []model.SortMeta{{Field: "Name", Order: 1}}}
	h.AssertJSON(t, h.POST(base+"/sort", sort, token), http.StatusOK, &sorted)
	assert.Equal(t, 5, sorted.TotalCount)

	time.Sleep(700 * time.Millisecond)
	var after model.SessionDescriptor
	h.AssertJSON(t, h.GET(base, token), http.StatusOK, &after)
	assert.Equal(t, 5, after.TotalCount, "late response of the superseded fetch must not publish")
	assert.Len(t, after.Data, 2)
}

func TestGridSession_SetData(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())
	desc := h.OpenSession(t, "products", token)

	rows := map[string]any{"data": []map[string]any{{"ID": 42, "Name": "Local"}}}
	var got model.SessionDescriptor
	h.AssertJSON(t, h.PUT("/ui/sessions/"+desc.ID+"/data", rows, token), http.StatusOK, &got)

	require.Len(t, got.Data, 1)
	assert.Equal(t, "Local", got.Data[0]["Name"])
	assert.Equal(t, 5, got.TotalCount, "count is left untouched")
	h.Backend().AssertCalled(t, "Products", 1)
}

func TestGridSession_EventsStream(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())
	desc := h.OpenSession(t, "products", token)

	events := h.Events(t, desc.ID, token)
	WaitForSnapshot(t, events, func(d model.SessionDescriptor) bool { return d.ID == desc.ID })

	h.AssertStatus(t, h.POST("/ui/sessions/"+desc.ID+"/page?wait=false", model.PageEvent{First: 2, Rows: 2}, token), http.StatusAccepted)

	got := WaitForSnapshot(t, events, func(d model.SessionDescriptor) bool {
		return !d.Loading && d.First == 2 && len(d.Data) == 2 && d.Data[0]["ID"] == float64(3)
	})
	assert.Equal(t, 5, got.TotalCount)
}

func TestGridSession_CloseEndsSession(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AliceClaims())
	desc := h.OpenSession(t, "products", token)

	events := h.Events(t, desc.ID, token)
	h.AssertStatus(t, h.DELETE("/ui/sessions/"+desc.ID, token), http.StatusNoContent)

	timeout := time.After(5 * time.Second)
	for closed := false; !closed; {
		select {
		case ev, ok := <-events:
			closed = !ok || ev.Name == "closed"
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}

	resp := h.GET("/ui/sessions/"+desc.ID, token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrSessionNotFound, h.ErrorCode(resp))
}

func TestGridSession_ListSessions(t *testing.T) {
	h := NewTestHarness(t)
	alice := h.GenerateToken(AliceClaims())
	bob := h.GenerateToken(BobClaims())

	h.OpenSession(t, "products", alice)
	h.OpenSession(t, "premium", alice)
	h.OpenSession(t, "products", bob)

	var body struct {
		Sessions []model.SessionDescriptor `json:"sessions"`
	}
	h.AssertJSON(t, h.GET("/ui/sessions", alice), http.StatusOK, &body)
	assert.Len(t, body.Sessions, 2)
}

func TestGridSession_Limit(t *testing.T) {
	h := NewTestHarness(t, WithMaxSessions(1))
	token := h.GenerateToken(AliceClaims())
	h.OpenSession(t, "products", token)

	resp := h.POST("/ui/grids/products/sessions", nil, token)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrSessionLimit, h.ErrorCode(resp))
}
