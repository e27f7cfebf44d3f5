// Package grid coordinates the query state of a server-paged grid: it holds
// paging, filter and sort state, compiles it into an OData URL, fetches the
// page and republishes rows, total count and loading as observable values.
package grid

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/internal/observability"
	"github.com/pitabwire/odatagrid/internal/query"
	"github.com/pitabwire/odatagrid/model"
)

// Row is the untyped row shape used when the grid's row type is only known
// at runtime.
type Row = map[string]any

// Binding is the fixed configuration a coordinator is bound to.
type Binding struct {
	GridID         string
	BaseURL        string
	Resource       string
	PageSize       int
	DefaultFilters []model.DefaultFilter
	DefaultSorts   []model.DefaultSort
	Options        query.Options
}

// BindingFromDefinition builds a Binding for def. A base URL on the grid
// wins over the service's.
func BindingFromDefinition(def model.GridDefinition, serviceBaseURL string) Binding {
	base := def.BaseURL
	if base == "" {
		base = serviceBaseURL
	}
	return Binding{
		GridID:         def.ID,
		BaseURL:        base,
		Resource:       def.Resource,
		PageSize:       def.PageSize,
		DefaultFilters: def.DefaultFilters,
		DefaultSorts:   def.DefaultSorting,
		Options:        query.Options{Select: def.Select, Expand: def.Expand},
	}
}

// State is the query state owned by one coordinator.
type State struct {
	Skip          int
	Top           int
	FilterClause  string
	SortClause    string
	LastIssuedURL string
}

// Recorder receives coordinator metrics. *observability.Metrics implements it.
type Recorder interface {
	RecordGridFetch(gridID, outcome string, rows int, duration time.Duration)
	RecordGridDedup(gridID string)
	RecordGridStale(gridID string)
}

type settings struct {
	compiler query.Compiler
	logger   *zap.Logger
	metrics  Recorder
	tracer   trace.Tracer
	pageSize int
}

// Option configures a Coordinator.
type Option func(*settings)

// WithCompiler replaces the default ODataCompiler.
func WithCompiler(c query.Compiler) Option {
	return func(s *settings) { s.compiler = c }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(s *settings) { s.metrics = r }
}

// WithTracer sets the tracer used for fetch spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// WithPageSize sets the initial page size when the binding has none.
func WithPageSize(n int) Option {
	return func(s *settings) { s.pageSize = n }
}

// Coordinator drives one grid against one OData collection. All methods are
// safe for concurrent use.
//
// Every fetch carries a sequence number. Only the completion of the most
// recently issued fetch publishes rows, count, error and loading=false; older
// completions are discarded, so a slow response never overwrites a newer one.
type Coordinator[T any] struct {
	binding  Binding
	fetcher  model.Fetcher
	compiler query.Compiler
	logger   *zap.Logger
	metrics  Recorder
	tracer   trace.Tracer

	mu    sync.Mutex
	state State
	seq   uint64

	data       *Observable[[]T]
	totalCount *Observable[int]
	loading    *Observable[bool]
	err        *Observable[error]
}

// NewCoordinator returns a coordinator for binding that fetches through
// fetcher. Nothing is fetched until Read or an event is applied.
func NewCoordinator[T any](binding Binding, fetcher model.Fetcher, opts ...Option) *Coordinator[T] {
	s := settings{
		compiler: query.ODataCompiler{},
		logger:   zap.NewNop(),
		tracer:   observability.Tracer(),
		pageSize: query.DefaultTop,
	}
	for _, opt := range opts {
		opt(&s)
	}

	top := binding.PageSize
	if top <= 0 {
		top = s.pageSize
	}
	if top <= 0 {
		top = query.DefaultTop
	}

	return &Coordinator[T]{
		binding:    binding,
		fetcher:    fetcher,
		compiler:   s.compiler,
		logger:     s.logger.With(zap.String("grid_id", binding.GridID)),
		metrics:    s.metrics,
		tracer:     s.tracer,
		state:      State{Top: top},
		data:       NewObservable([]T{}),
		totalCount: NewObservable(0),
		loading:    NewObservable(false),
		err:        NewObservable[error](nil),
	}
}

// Data is the rows of the last successful fetch, or whatever SetData
// published last.
func (c *Coordinator[T]) Data() *Observable[[]T] { return c.data }

// TotalCount is the server-side row count of the last successful fetch.
func (c *Coordinator[T]) TotalCount() *Observable[int] { return c.totalCount }

// Loading is true while the most recently issued fetch is in flight.
func (c *Coordinator[T]) Loading() *Observable[bool] { return c.loading }

// Err is the error of the most recent completed fetch, or nil after a
// success.
func (c *Coordinator[T]) Err() *Observable[error] { return c.err }

// Binding returns the coordinator's fixed configuration.
func (c *Coordinator[T]) Binding() Binding { return c.binding }

// State returns a copy of the current query state.
func (c *Coordinator[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot is a consistent view of everything a coordinator publishes.
type Snapshot[T any] struct {
	Data       []T
	TotalCount int
	Loading    bool
	Err        error
	State      State
}

// Snapshot returns all published values at once.
func (c *Coordinator[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot[T]{
		Data:       c.data.Get(),
		TotalCount: c.totalCount.Get(),
		Loading:    c.loading.Get(),
		Err:        c.err.Get(),
		State:      c.state,
	}
}

// Read fetches the current state's URL unless it was the last one issued.
func (c *Coordinator[T]) Read(ctx context.Context) *Fetch {
	return c.executeFetch(ctx, "")
}

// SetData publishes rows directly. Count, loading and the last issued URL
// are left untouched.
func (c *Coordinator[T]) SetData(rows []T) {
	if rows == nil {
		rows = []T{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Set(rows)
}

// Refresh re-issues the last URL even though it is unchanged. With no prior
// fetch the current state is compiled and fetched.
func (c *Coordinator[T]) Refresh(ctx context.Context) *Fetch {
	c.mu.Lock()
	url := c.state.LastIssuedURL
	if url == "" {
		url = c.compileLocked()
	}
	c.mu.Unlock()
	return c.executeFetch(ctx, url)
}

// OnPageChange moves to the page starting at event.First with event.Rows
// rows. A non-positive Rows keeps the current page size; the total count is
// not touched.
func (c *Coordinator[T]) OnPageChange(ctx context.Context, event model.PageEvent) *Fetch {
	c.mu.Lock()
	c.state.Skip = max(event.First, 0)
	if event.Rows > 0 {
		c.state.Top = event.Rows
	}
	c.mu.Unlock()
	return c.executeFetch(ctx, "")
}

// OnFilterChange replaces the user filter with the event's filters. Paging is
// left where it is.
func (c *Coordinator[T]) OnFilterChange(ctx context.Context, event model.FilterEvent) *Fetch {
	clause := c.compiler.CompileFilter(event)
	c.mu.Lock()
	c.state.FilterClause = clause
	c.mu.Unlock()
	return c.executeFetch(ctx, "")
}

// OnSortChange replaces the user sort with the event's sort columns.
func (c *Coordinator[T]) OnSortChange(ctx context.Context, event model.SortEvent) *Fetch {
	clause := c.compiler.CompileSort(event)
	c.mu.Lock()
	c.state.SortClause = clause
	c.mu.Unlock()
	return c.executeFetch(ctx, "")
}

// OnClear drops the user filter and sort. Defaults still apply.
func (c *Coordinator[T]) OnClear(ctx context.Context) *Fetch {
	c.mu.Lock()
	c.state.FilterClause = ""
	c.state.SortClause = ""
	c.mu.Unlock()
	return c.executeFetch(ctx, "")
}

// Close ends every subscription to the coordinator's observables. In-flight
// fetches still complete and update the current values.
func (c *Coordinator[T]) Close() {
	c.data.Close()
	c.totalCount.Close()
	c.loading.Close()
	c.err.Close()
}

func (c *Coordinator[T]) compileLocked() string {
	return c.compiler.CompileURL(query.URLParams{
		BaseURL:        c.binding.BaseURL,
		Resource:       c.binding.Resource,
		Top:            c.state.Top,
		Skip:           c.state.Skip,
		Filter:         c.state.FilterClause,
		Sort:           c.state.SortClause,
		DefaultFilters: c.binding.DefaultFilters,
		DefaultSorts:   c.binding.DefaultSorts,
		Options:        c.binding.Options,
	})
}

// executeFetch issues a fetch for forcedURL, or for the compiled state when
// forcedURL is empty. An unforced URL equal to the last issued one is
// skipped without side effects. loading=true is published before this
// returns; the request itself runs in its own goroutine and is not cancelled
// when ctx is.
func (c *Coordinator[T]) executeFetch(ctx context.Context, forcedURL string) *Fetch {
	c.mu.Lock()
	url := forcedURL
	if url == "" {
		url = c.compileLocked()
		if url == c.state.LastIssuedURL {
			c.mu.Unlock()
			c.logger.Debug("grid read deduplicated", zap.String("query_hash", queryHash(url)))
			if c.metrics != nil {
				c.metrics.RecordGridDedup(c.binding.GridID)
			}
			return skippedFetch(url)
		}
	}
	c.seq++
	seq := c.seq
	c.state.LastIssuedURL = url
	c.loading.Set(true)
	c.mu.Unlock()

	f := newFetch(url, seq)
	go c.run(context.WithoutCancel(ctx), f, forcedURL != "")
	return f
}

func (c *Coordinator[T]) run(ctx context.Context, f *Fetch, forced bool) {
	start := time.Now()
	hash := queryHash(f.URL)
	logger := observability.RequestLogger(ctx, c.logger).With(
		zap.Uint64("fetch_seq", f.Seq),
		zap.String("query_hash", hash),
	)

	ctx, span := c.tracer.Start(ctx, "grid.fetch", trace.WithAttributes(
		observability.AttrGridID.String(c.binding.GridID),
		observability.AttrQueryHash.String(hash),
		observability.AttrFetchSeq.Int64(int64(f.Seq)),
		observability.AttrForced.Bool(forced),
	))
	logger.Debug("grid fetch started", zap.String("url", f.URL), zap.Bool("forced", forced))

	page, err := c.fetchPage(ctx, f.URL)

	c.mu.Lock()
	latest := f.Seq == c.seq
	if latest {
		if err == nil {
			c.totalCount.Set(page.TotalCount)
			c.data.Set(page.Rows)
		}
		c.err.Set(err)
		c.loading.Set(false)
	}
	c.mu.Unlock()

	duration := time.Since(start)
	span.SetAttributes(observability.AttrRowCount.Int(len(page.Rows)))
	observability.EndSpanWithError(span, err)

	if c.metrics != nil {
		outcome := observability.OutcomeSuccess
		if err != nil {
			outcome = observability.OutcomeError
		}
		c.metrics.RecordGridFetch(c.binding.GridID, outcome, len(page.Rows), duration)
		if !latest {
			c.metrics.RecordGridStale(c.binding.GridID)
		}
	}

	switch {
	case !latest:
		logger.Debug("grid response superseded", zap.Duration("duration", duration), zap.Error(err))
	case err != nil:
		logger.Warn("grid fetch failed", zap.Duration("duration", duration), zap.Error(err))
	default:
		logger.Debug("grid fetch completed",
			zap.Duration("duration", duration),
			zap.Int("rows", len(page.Rows)),
			zap.Int("total_count", page.TotalCount),
		)
	}

	f.finish(err, !latest)
}

// fetchPage fetches and decodes url. A panicking fetcher is reported as an
// error so loading is still cleared.
func (c *Coordinator[T]) fetchPage(ctx context.Context, url string) (page ResultPage[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("grid: fetcher panic: %v", r)
		}
	}()

	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return ResultPage[T]{}, err
	}
	return DecodePage[T](body)
}

func queryHash(url string) string {
	return strconv.FormatUint(xxhash.Sum64String(url), 16)
}

// Fetch tracks one issued (or skipped) request.
type Fetch struct {
	// URL is the compiled URL; set even when the fetch was skipped.
	URL string
	// Seq is the coordinator-wide sequence number, 0 when skipped.
	Seq uint64
	// Skipped is true when the URL matched the last issued one.
	Skipped bool

	done       chan struct{}
	err        error
	superseded bool
}

func newFetch(url string, seq uint64) *Fetch {
	return &Fetch{URL: url, Seq: seq, done: make(chan struct{})}
}

func skippedFetch(url string) *Fetch {
	f := &Fetch{URL: url, Skipped: true, done: make(chan struct{})}
	close(f.done)
	return f
}

func (f *Fetch) finish(err error, superseded bool) {
	f.err = err
	f.superseded = superseded
	close(f.done)
}

// Done is closed when the fetch has completed and its results, if current,
// are published.
func (f *Fetch) Done() <-chan struct{} { return f.done }

// Wait blocks until the fetch completes or ctx is done. It returns the fetch
// error, or ctx's error if ctx ends first. A skipped fetch returns nil
// immediately.
func (f *Fetch) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Superseded reports whether a newer fetch was issued before this one
// completed, so its response was not published. Valid after Done.
func (f *Fetch) Superseded() bool {
	select {
	case <-f.done:
		return f.superseded
	default:
		return false
	}
}
