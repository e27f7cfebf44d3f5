package fetch

import (
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/internal/observability"
	"github.com/pitabwire/odatagrid/model"
)

// Registry holds one ServiceFetcher per configured backend service.
type Registry struct {
	services map[string]*ServiceFetcher
}

// NewRegistry builds a fetcher for every service in services.
func NewRegistry(services map[string]config.ServiceConfig, logger *zap.Logger, metrics Recorder) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{services: make(map[string]*ServiceFetcher, len(services))}
	for id, cfg := range services {
		opts := []ServiceOption{WithLogger(logger)}
		if metrics != nil {
			opts = append(opts, WithMetrics(metrics))
		}
		r.services[id] = NewServiceFetcher(id, cfg, opts...)
	}
	return r
}

// Fetcher returns the fetcher of serviceID.
func (r *Registry) Fetcher(serviceID string) (model.Fetcher, bool) {
	s, ok := r.services[serviceID]
	if !ok {
		return nil, false
	}
	return s, true
}

// BaseURL returns the base URL of serviceID.
func (r *Registry) BaseURL(serviceID string) (string, bool) {
	s, ok := r.services[serviceID]
	if !ok {
		return "", false
	}
	return s.BaseURL(), true
}

// Service returns the concrete fetcher of serviceID.
func (r *Registry) Service(serviceID string) (*ServiceFetcher, bool) {
	s, ok := r.services[serviceID]
	return s, ok
}

// IDs returns the configured service ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HealthCheckers returns the readiness checks of every service.
func (r *Registry) HealthCheckers() map[string]observability.HealthChecker {
	out := make(map[string]observability.HealthChecker, len(r.services))
	for id, s := range r.services {
		out[id] = s
	}
	return out
}
