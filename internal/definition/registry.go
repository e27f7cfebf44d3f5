package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/odatagrid/model"
)

type snapshot struct {
	domains  map[string]model.DomainDefinition
	grids    map[string]model.GridDefinition
	gridIDs  []string
	checksum string
}

// Registry serves grid definitions. Readers never block; Replace swaps in a
// whole new snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry returns a Registry holding defs.
func NewRegistry(defs []model.DomainDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents. A grid id declared twice
// keeps the later declaration; the validator reports such duplicates.
func (r *Registry) Replace(defs []model.DomainDefinition) {
	s := &snapshot{
		domains: make(map[string]model.DomainDefinition, len(defs)),
		grids:   make(map[string]model.GridDefinition),
	}

	sums := make([]string, 0, len(defs))
	for _, def := range defs {
		s.domains[def.Domain] = def
		sums = append(sums, def.Checksum)
		for _, g := range def.Grids {
			s.grids[g.ID] = g
		}
	}

	s.gridIDs = make([]string, 0, len(s.grids))
	for id := range s.grids {
		s.gridIDs = append(s.gridIDs, id)
	}
	sort.Strings(s.gridIDs)

	sort.Strings(sums)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(sums, ":"))))

	r.snap.Store(s)
}

// GetGrid returns the grid definition with the given id.
func (r *Registry) GetGrid(id string) (model.GridDefinition, bool) {
	g, ok := r.snap.Load().grids[id]
	return g, ok
}

// GetDomain returns the domain definition with the given name.
func (r *Registry) GetDomain(domain string) (model.DomainDefinition, bool) {
	d, ok := r.snap.Load().domains[domain]
	return d, ok
}

// GridIDs returns all grid ids, sorted.
func (r *Registry) GridIDs() []string {
	ids := r.snap.Load().gridIDs
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// AllGrids returns every grid definition ordered by id.
func (r *Registry) AllGrids() []model.GridDefinition {
	s := r.snap.Load()
	out := make([]model.GridDefinition, 0, len(s.gridIDs))
	for _, id := range s.gridIDs {
		out = append(out, s.grids[id])
	}
	return out
}

// Len returns the number of grids.
func (r *Registry) Len() int {
	return len(r.snap.Load().grids)
}

// Checksum returns a digest of all loaded definition files.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}
