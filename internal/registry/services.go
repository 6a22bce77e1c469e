package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

var (
	// ErrServiceNotFound is returned by Service when no service has the name.
	ErrServiceNotFound = errors.New("service not found")
	// ErrServiceType is returned by Service when the instance has another type.
	ErrServiceType = errors.New("service has unexpected type")
)

// Cleaner is implemented by service instances that must release resources
// when they are unregistered.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// ServiceRecord describes a registered service. The registry keeps a
// reference to the instance but does not own it.
type ServiceRecord struct {
	Name         string
	Instance     any
	Owner        string
	RegisteredAt time.Time
	Metadata     map[string]string
}

// ServiceOption customizes a service registration.
type ServiceOption func(*ServiceRecord)

// WithOwner records the module that registered the service.
func WithOwner(module string) ServiceOption {
	return func(s *ServiceRecord) { s.Owner = module }
}

// WithMetadata attaches free-form metadata to the service.
func WithMetadata(md map[string]string) ServiceOption {
	return func(s *ServiceRecord) { s.Metadata = maps.Clone(md) }
}

// RegisterService stores instance under name. It returns false, leaving the
// existing entry untouched, when the name is taken. Exactly one of several
// concurrent registrations of the same name succeeds.
func (r *Registry) RegisterService(name string, instance any, opts ...ServiceOption) bool {
	rec := &ServiceRecord{Name: name, Instance: instance, RegisteredAt: time.Now()}
	for _, opt := range opts {
		opt(rec)
	}

	unlock := r.locks.lock(nsService, name)
	defer unlock()
	if !r.services.SetIfAbsent(name, rec) {
		r.logger.Debug("Service already registered.", "service", name, "owner", rec.Owner)
		return false
	}
	r.logger.Debug("Registering service.", "service", name, "owner", rec.Owner)
	return true
}

// UnregisterService removes the named service, running its Cleanup hook when
// the instance implements Cleaner. It reports whether the service existed.
// The entry is removed even if the hook fails.
func (r *Registry) UnregisterService(ctx context.Context, name string) bool {
	existed, err := r.unregisterService(ctx, name)
	if err != nil {
		r.logger.Error("Service cleanup failed.", "service", name, "error", err)
	}
	return existed
}

func (r *Registry) unregisterService(ctx context.Context, name string) (bool, error) {
	unlock := r.locks.lock(nsService, name)
	rec, ok := r.services.Get(name)
	if ok {
		r.services.Remove(name)
	}
	unlock()
	if !ok {
		return false, nil
	}

	// The hook runs outside the stripe so it may touch the registry.
	if c, ok := rec.Instance.(Cleaner); ok {
		if err := safeCleanup(ctx, c); err != nil {
			return true, err
		}
	}
	r.logger.Debug("Unregistered service.", "service", name)
	return true, nil
}

func safeCleanup(ctx context.Context, c Cleaner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cleanup panicked: %v", p)
		}
	}()
	return c.Cleanup(ctx)
}

// GetService returns the raw instance registered under name.
func (r *Registry) GetService(name string) (any, bool) {
	rec, ok := r.services.Get(name)
	if !ok {
		return nil, false
	}
	return rec.Instance, true
}

// ServiceInfo returns the full record for name.
func (r *Registry) ServiceInfo(name string) (ServiceRecord, bool) {
	rec, ok := r.services.Get(name)
	if !ok {
		return ServiceRecord{}, false
	}
	return *rec, true
}

// ListServices returns a snapshot of every service, sorted by name.
func (r *Registry) ListServices() []ServiceRecord {
	out := make([]ServiceRecord, 0, r.services.Count())
	for _, rec := range r.services.Items() {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b ServiceRecord) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Service looks up name and asserts it to T.
func Service[T any](r *Registry, name string) (T, error) {
	var zero T
	inst, ok := r.GetService(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrServiceType, name, inst)
	}
	return typed, nil
}
