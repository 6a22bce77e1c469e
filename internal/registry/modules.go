package registry

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// ModuleRecord is the registry's view of a loaded module.
type ModuleRecord struct {
	Name     string
	Instance any
	Metadata map[string]string
	LoadedAt time.Time
}

// RegisterModule records a loaded module. It returns false when the name is
// already present.
func (r *Registry) RegisterModule(name string, instance any, metadata map[string]string) bool {
	rec := &ModuleRecord{Name: name, Instance: instance, Metadata: maps.Clone(metadata), LoadedAt: time.Now()}

	unlock := r.locks.lock(nsModule, name)
	defer unlock()
	if !r.modules.SetIfAbsent(name, rec) {
		return false
	}
	r.logger.Debug("Registering module.", "module", name)
	return true
}

// UnregisterModule removes the module record.
func (r *Registry) UnregisterModule(name string) bool {
	unlock := r.locks.lock(nsModule, name)
	defer unlock()
	if !r.modules.Has(name) {
		return false
	}
	r.modules.Remove(name)
	return true
}

// GetModule returns the record for name.
func (r *Registry) GetModule(name string) (ModuleRecord, bool) {
	rec, ok := r.modules.Get(name)
	if !ok {
		return ModuleRecord{}, false
	}
	return *rec, true
}

// ListModules returns every module record sorted by name.
func (r *Registry) ListModules() []ModuleRecord {
	out := make([]ModuleRecord, 0, r.modules.Count())
	for _, rec := range r.modules.Items() {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b ModuleRecord) int { return strings.Compare(a.Name, b.Name) })
	return out
}
