package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/internal/grid"
	"github.com/pitabwire/odatagrid/internal/observability"
)

// sseKeepAlive is the interval between comment frames on an idle stream.
const sseKeepAlive = 15 * time.Second

// handleSessionEvents streams session snapshots as Server-Sent Events. A
// snapshot is sent on connect and after every published change; the stream
// ends with a "closed" event when the session is closed or expires.
func handleSessionEvents(sessions SessionHost, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, r, ok := loadSession(w, r, sessions)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, fmt.Errorf("transport: streaming unsupported"))
			return
		}
		log := observability.RequestLogger(r.Context(), logger)

		c := s.Coordinator
		data, cancelData := c.Data().Subscribe(1)
		defer cancelData()
		count, cancelCount := c.TotalCount().Subscribe(1)
		defer cancelCount()
		loading, cancelLoading := c.Loading().Subscribe(1)
		defer cancelLoading()
		errs, cancelErrs := c.Err().Subscribe(1)
		defer cancelErrs()

		// Each subscription starts with the current value; one snapshot
		// covers all four.
		<-data
		<-count
		<-loading
		<-errs

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		var seq int
		send := func() error {
			seq++
			payload, err := json.Marshal(describeSession(s))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", seq, payload); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		closed := func() {
			fmt.Fprint(w, "event: closed\ndata: {}\n\n")
			flusher.Flush()
			log.Debug("session stream ended by close")
		}

		if err := send(); err != nil {
			return
		}
		log.Debug("session stream opened")

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			var open bool
			select {
			case <-r.Context().Done():
				log.Debug("session stream disconnected")
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
				continue
			case _, open = <-data:
			case _, open = <-count:
			case _, open = <-loading:
			case _, open = <-errs:
			}
			if !open {
				closed()
				return
			}
			if !drain(data, count, loading, errs) {
				closed()
				return
			}
			if err := send(); err != nil {
				return
			}
		}
	}
}

// drain discards already-buffered notifications so a burst of updates from
// one fetch completion yields a single snapshot. It reports false once any
// channel is closed.
func drain(data <-chan []grid.Row, count <-chan int, loading <-chan bool, errs <-chan error) bool {
	for {
		var open bool
		select {
		case _, open = <-data:
		case _, open = <-count:
		case _, open = <-loading:
		case _, open = <-errs:
		default:
			return true
		}
		if !open {
			return false
		}
	}
}
