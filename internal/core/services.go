package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SupportsResponse declares whether a service produces a response.
type SupportsResponse int

const (
	// ResponseNone: the service never returns data.
	ResponseNone SupportsResponse = iota
	// ResponseOptional: the service returns data when asked to.
	ResponseOptional
	// ResponseOnly: the service is pointless without its response;
	// callers must request it.
	ResponseOnly
)

// ServiceCall carries everything a handler needs for one invocation.
type ServiceCall struct {
	Domain         string
	Service        string
	Data           map[string]any
	Context        Context
	ReturnResponse bool
}

// ServiceResponse is the structured value a responding service
// returns.
type ServiceResponse map[string]any

// ServiceHandler executes one service call. Handlers run on the
// caller's goroutine; blocking handlers should honor ctx.
type ServiceHandler func(ctx context.Context, call ServiceCall) (ServiceResponse, error)

// SchemaFunc validates service data before dispatch. A non-nil error
// surfaces to the caller as ErrInvalidData.
type SchemaFunc func(data map[string]any) error

// Service describes one registered handler.
type Service struct {
	Domain   string
	Service  string
	Handler  ServiceHandler
	Schema   SchemaFunc
	Response SupportsResponse
}

// serviceKey identifies a service in the registry map.
type serviceKey struct {
	domain, service string
}

// ServiceRegistry maps (domain, service) pairs to handlers.
//
// Lookup is a lock-free read of a copy-on-write map snapshot;
// registration replaces the snapshot under a mutex.
type ServiceRegistry struct {
	mu       sync.Mutex
	services map[serviceKey]*Service // copy-on-write

	bus    *Bus
	logger Logger
}

// NewServiceRegistry creates a service registry firing lifecycle
// events on bus.
func NewServiceRegistry(bus *Bus, logger Logger) *ServiceRegistry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ServiceRegistry{
		services: make(map[serviceKey]*Service),
		bus:      bus,
		logger:   logger,
	}
}

// Register installs (or replaces) a handler and fires
// service_registered. schema and response are optional refinements;
// pass nil and ResponseNone for plain services.
func (r *ServiceRegistry) Register(domain, service string, handler ServiceHandler, schema SchemaFunc, response SupportsResponse) {
	svc := &Service{
		Domain:   domain,
		Service:  service,
		Handler:  handler,
		Schema:   schema,
		Response: response,
	}

	r.mu.Lock()
	next := make(map[serviceKey]*Service, len(r.services)+1)
	for k, v := range r.services {
		next[k] = v
	}
	next[serviceKey{domain, service}] = svc
	r.services = next
	r.mu.Unlock()

	r.logger.Debug("service registered", "domain", domain, "service", service)
	r.bus.Fire(EventServiceRegistered, map[string]any{
		"domain":  domain,
		"service": service,
	}, Context{}, OriginLocal)
}

// Remove deletes a handler, firing service_removed. Removing an
// unknown service is a no-op.
func (r *ServiceRegistry) Remove(domain, service string) {
	key := serviceKey{domain, service}

	r.mu.Lock()
	if _, ok := r.services[key]; !ok {
		r.mu.Unlock()
		return
	}
	next := make(map[serviceKey]*Service, len(r.services)-1)
	for k, v := range r.services {
		if k != key {
			next[k] = v
		}
	}
	r.services = next
	r.mu.Unlock()

	r.bus.Fire(EventServiceRemoved, map[string]any{
		"domain":  domain,
		"service": service,
	}, Context{}, OriginLocal)
}

// Has reports whether a handler exists for (domain, service).
func (r *ServiceRegistry) Has(domain, service string) bool {
	return r.snapshot()[serviceKey{domain, service}] != nil
}

// List returns "domain.service" names of all registered services,
// sorted for stable output.
func (r *ServiceRegistry) List() []string {
	snap := r.snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k.domain+"."+k.service)
	}
	sort.Strings(names)
	return names
}

// Call validates and dispatches one service call.
//
// call_service fires on the bus before the handler runs. The handler
// executes on the caller's goroutine, so state mutations it performs
// are visible to the caller when Call returns.
//
// Returns ErrUnknownService, ErrInvalidData, or
// ErrResponseNotRequested per the failure; otherwise the handler's
// response when returnResponse is true.
func (r *ServiceRegistry) Call(ctx context.Context, domain, service string, data map[string]any, callCtx Context, returnResponse bool) (ServiceResponse, error) {
	svc := r.snapshot()[serviceKey{domain, service}]
	if svc == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownService, domain, service)
	}
	if svc.Schema != nil {
		if err := svc.Schema(data); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrInvalidData, domain, service, err)
		}
	}
	if svc.Response == ResponseOnly && !returnResponse {
		return nil, fmt.Errorf("%w: %s.%s", ErrResponseNotRequested, domain, service)
	}
	if callCtx.IsZero() {
		callCtx = NewContext("")
	}

	r.bus.Fire(EventCallService, map[string]any{
		"domain":       domain,
		"service":      service,
		"service_data": data,
	}, callCtx, OriginLocal)

	response, err := svc.Handler(ctx, ServiceCall{
		Domain:         domain,
		Service:        service,
		Data:           data,
		Context:        callCtx,
		ReturnResponse: returnResponse,
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", domain, service, err)
	}
	if !returnResponse {
		return nil, nil
	}
	return response, nil
}

// MergeTarget injects target fields (entity_id, device_id, area_id)
// into service data the way the wire protocol requires. A nil target
// returns data unchanged.
func MergeTarget(data map[string]any, target map[string]any) map[string]any {
	if len(target) == 0 {
		return data
	}
	merged := make(map[string]any, len(data)+len(target))
	for k, v := range data {
		merged[k] = v
	}
	for _, field := range []string{"entity_id", "device_id", "area_id"} {
		if v, ok := target[field]; ok {
			merged[field] = v
		}
	}
	return merged
}

// snapshot returns the current copy-on-write service map.
func (r *ServiceRegistry) snapshot() map[serviceKey]*Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services
}
