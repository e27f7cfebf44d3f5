package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/odatagrid/internal/grid"
	"github.com/pitabwire/odatagrid/model"
)

// SessionHost creates and looks up grid sessions. *grid.Manager implements
// it.
type SessionHost interface {
	Create(gridID, subjectID string) (*grid.Session, error)
	Get(id, subjectID string) (*grid.Session, error)
	Close(id, subjectID string) error
	List(subjectID string) []*grid.Session
}

// action applies one grid event to a coordinator.
type action func(r *http.Request, c *grid.Coordinator[grid.Row]) (*grid.Fetch, error)

func handleCreateSession(sessions SessionHost) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		s, err := sessions.Create(chi.URLParam(r, "gridId"), rctx.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Location", "/ui/sessions/"+s.ID)

		if r.URL.Query().Get("read") == "false" {
			WriteJSON(w, http.StatusCreated, describeSession(s))
			return
		}
		f := s.Coordinator.Read(withSession(r.Context(), rctx, s))
		respondAfterFetch(w, r, s, f, http.StatusCreated)
	}
}

func handleListSessions(sessions SessionHost) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		list := sessions.List(rctx.SubjectID)
		out := make([]model.SessionDescriptor, 0, len(list))
		for _, s := range list {
			out = append(out, describeSession(s))
		}
		WriteJSON(w, http.StatusOK, map[string]any{"sessions": out})
	}
}

func handleGetSession(sessions SessionHost) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, _, ok := loadSession(w, r, sessions)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, describeSession(s))
	}
}

func handleCloseSession(sessions SessionHost) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if err := sessions.Close(chi.URLParam(r, "sessionId"), rctx.SubjectID); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSessionAction(sessions SessionHost, act action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, r, ok := loadSession(w, r, sessions)
		if !ok {
			return
		}
		f, err := act(r, s.Coordinator)
		if err != nil {
			WriteError(w, err)
			return
		}
		respondAfterFetch(w, r, s, f, http.StatusOK)
	}
}

func handleSetData(sessions SessionHost) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, r, ok := loadSession(w, r, sessions)
		if !ok {
			return
		}
		var input DataInput
		if err := decodeEvent(r, &input, false); err != nil {
			WriteError(w, err)
			return
		}
		rows := make([]grid.Row, len(input.Data))
		for i, row := range input.Data {
			rows[i] = row
		}
		s.Coordinator.SetData(rows)
		WriteJSON(w, http.StatusOK, describeSession(s))
	}
}

func readAction(r *http.Request, c *grid.Coordinator[grid.Row]) (*grid.Fetch, error) {
	return c.Read(r.Context()), nil
}

func refreshAction(r *http.Request, c *grid.Coordinator[grid.Row]) (*grid.Fetch, error) {
	return c.Refresh(r.Context()), nil
}

func clearAction(r *http.Request, c *grid.Coordinator[grid.Row]) (*grid.Fetch, error) {
	return c.OnClear(r.Context()), nil
}

func pageAction(r *http.Request, c *grid.Coordinator[grid.Row]) (*grid.Fetch, error) {
	var event model.PageEvent
	if err := decodeEvent(r, &event, false); err != nil {
		return nil, err
	}
	return c.OnPageChange(r.Context(), event), nil
}

func filterAction(r *http.Request, c *grid.Coordinator[grid.Row]) (*grid.Fetch, error) {
	var event model.FilterEvent
	if err := decodeEvent(r, &event, true); err != nil {
		return nil, err
	}
	return c.OnFilterChange(r.Context(), event), nil
}

func sortAction(r *http.Request, c *grid.Coordinator[grid.Row]) (*grid.Fetch, error) {
	var event model.SortEvent
	if err := decodeEvent(r, &event, true); err != nil {
		return nil, err
	}
	return c.OnSortChange(r.Context(), event), nil
}

// loadSession resolves the session named in the route for the current
// subject. The returned request carries the session id in its
// RequestContext so fetch logs are attributed to it.
func loadSession(w http.ResponseWriter, r *http.Request, sessions SessionHost) (*grid.Session, *http.Request, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, r, false
	}
	s, err := sessions.Get(chi.URLParam(r, "sessionId"), rctx.SubjectID)
	if err != nil {
		WriteError(w, err)
		return nil, r, false
	}
	return s, r.WithContext(withSession(r.Context(), rctx, s)), true
}

func withSession(ctx context.Context, rctx *model.RequestContext, s *grid.Session) context.Context {
	scoped := *rctx
	scoped.SessionID = s.ID
	return model.WithRequestContext(ctx, &scoped)
}

// respondAfterFetch waits for f unless the caller passed wait=false, then
// writes the session snapshot. A failed fetch is reported with the status of
// its error; a fetch still running when the request ends yields 202.
func respondAfterFetch(w http.ResponseWriter, r *http.Request, s *grid.Session, f *grid.Fetch, status int) {
	if r.URL.Query().Get("wait") == "false" {
		WriteJSON(w, http.StatusAccepted, describeSession(s))
		return
	}
	if err := f.Wait(r.Context()); err != nil && r.Context().Err() != nil {
		WriteJSON(w, http.StatusAccepted, describeSession(s))
		return
	}

	desc := describeSession(s)
	if desc.Error != nil {
		status = StatusFor(desc.Error)
	}
	WriteJSON(w, status, desc)
}

func describeSession(s *grid.Session) model.SessionDescriptor {
	snap := s.Coordinator.Snapshot()
	rows := make([]map[string]any, len(snap.Data))
	for i, row := range snap.Data {
		rows[i] = row
	}
	return model.SessionDescriptor{
		ID:         s.ID,
		GridID:     s.GridID,
		Data:       rows,
		TotalCount: snap.TotalCount,
		First:      snap.State.Skip,
		Rows:       snap.State.Top,
		Loading:    snap.Loading,
		Error:      envelopeFor(snap.Err),
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt(),
	}
}
