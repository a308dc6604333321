package service

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ManagedService is optionally implemented by registered services that need
// lifecycle hooks.
type ManagedService interface {
	Start() error
	Stop()
}

// Registry maps service names to the pluggable services that own operations.
// Inbound operations are bound to their service by the header's service name.
type Registry struct {
	mu       sync.RWMutex
	services map[string]any
	logger   *zap.Logger
}

// NewRegistry creates an empty service registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		services: make(map[string]any),
		logger:   logger,
	}
}

// Register binds a service under name. Registering the same name twice is a
// startup configuration error.
func (r *Registry) Register(name string, svc any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[name]; ok {
		return fmt.Errorf("service %q registered twice", name)
	}
	r.services[name] = svc
	r.logger.Info("Service registered", zap.String("service", name))
	return nil
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// StartAll starts every managed service.
func (r *Registry) StartAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, svc := range r.services {
		ms, ok := svc.(ManagedService)
		if !ok {
			continue
		}
		if err := ms.Start(); err != nil {
			return fmt.Errorf("failed to start service %q: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every managed service.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, svc := range r.services {
		if ms, ok := svc.(ManagedService); ok {
			ms.Stop()
		}
	}
}
