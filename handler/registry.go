// Package handler implements the method registry used by the plexrpc
// dispatch engine, and support for adapting functions to the plexrpc.Handler
// signature.
package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/code"
)

// Func is a convenience alias for plexrpc.Handler.
type Func = plexrpc.Handler

// ParamTypes enumerates the legal type tags for parameter descriptors.
var ParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true, "object": true, "array": true,
}

// A ParamInfo documents one named parameter of a method.
type ParamInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // one of string, number, boolean, object, array
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// A RateLimit bounds the rate of calls to a single method.
type RateLimit struct {
	PerSecond float64 // sustained calls per second
	Burst     int     // burst allowance (minimum 1)
}

// Options carry the metadata attached to a registered method. A nil *Options
// is ready for use and provides empty values.
type Options struct {
	Description string      // human-readable summary
	Params      []ParamInfo // parameter documentation, in declaration order
	Returns     string      // return-type description
	Permissions []string    // permission tags required to invoke
	RateLimit   *RateLimit  // per-method call budget
}

// A Method is a registered method: its name, handler, and metadata.
type Method struct {
	Name string
	Func Func
	Opts *Options

	limiter *rate.Limiter // nil when no per-method limit applies
}

// Description returns the method description, or "".
func (m *Method) Description() string {
	if m.Opts == nil {
		return ""
	}
	return m.Opts.Description
}

// A Registry maps method names to handlers and metadata. The zero value is
// not ready for use; call NewRegistry. A Registry is safe for concurrent use,
// though idiomatically it is populated before traffic is accepted and only
// read thereafter.
//
// Registry implements plexrpc.Assigner with wildcard fallback: if an exact
// lookup fails, progressively shorter dotted prefixes suffixed with ".*" are
// consulted, longest prefix first, so that "a.b.c.d" tries "a.b.c.*", then
// "a.b.*", then "a.*". An exact match always beats a wildcard.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
	order   []string // names in registration order
	mw      []plexrpc.Middleware
}

// NewRegistry constructs a new empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds a method under the given name. It reports an error if the
// name is empty, the name is already registered, fn is nil, or the options
// carry an unknown parameter type tag.
func (r *Registry) Register(name string, fn Func, opts *Options) error {
	if name == "" {
		return fmt.Errorf("register: empty method name")
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	if opts != nil {
		for _, p := range opts.Params {
			if !ParamTypes[p.Type] {
				return fmt.Errorf("register %q: invalid type %q for parameter %q", name, p.Type, p.Name)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; ok {
		return fmt.Errorf("register %q: duplicate method name", name)
	}
	m := &Method{Name: name, Func: fn, Opts: opts}
	if opts != nil && opts.RateLimit != nil {
		burst := opts.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit.PerSecond), burst)
	}
	r.methods[name] = m
	r.order = append(r.order, name)
	return nil
}

// Unregister removes the named method and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; !ok {
		return false
	}
	delete(r.methods, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the method registered under exactly the given name.
func (r *Registry) Lookup(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Has reports whether name is registered exactly.
func (r *Registry) Has(name string) bool { _, ok := r.Lookup(name); return ok }

// Resolve returns the method that handles name, applying wildcard fallback
// when no exact registration exists.
func (r *Registry) Resolve(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.methods[name]; ok {
		return m, true
	}
	parts := strings.Split(name, ".")
	for i := len(parts) - 1; i >= 1; i-- {
		if m, ok := r.methods[strings.Join(parts[:i], ".")+".*"]; ok {
			return m, true
		}
	}
	return nil, false
}

// Assign implements the plexrpc.Assigner interface. The returned handler
// enforces the method's rate limit, if one was registered.
func (r *Registry) Assign(_ context.Context, method string) plexrpc.Handler {
	m, ok := r.Resolve(method)
	if !ok {
		return nil
	}
	if m.limiter == nil {
		return m.Func
	}
	return func(ctx context.Context, req *plexrpc.Request) (any, error) {
		if !m.limiter.Allow() {
			return nil, plexrpc.Errorf(code.RateLimited, "Rate limit exceeded for %s", m.Name)
		}
		return m.Func(ctx, req)
	}
}

// Names returns the registered method names. If namespace is non-empty, only
// names in that namespace (the second dotted segment) are returned. Names are
// reported in registration order.
func (r *Registry) Names(namespace string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if namespace == "" || plexrpc.MethodNamespace(name) == namespace {
			out = append(out, name)
		}
	}
	return out
}

// ByNamespace returns a map from namespace to the method names it contains,
// preserving registration order within each namespace. Names without a
// namespace segment are grouped under "".
func (r *Registry) ByNamespace() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for _, name := range r.order {
		ns := plexrpc.MethodNamespace(name)
		out[ns] = append(out[ns], name)
	}
	return out
}

// Namespaces returns the sorted distinct namespaces with registered methods.
func (r *Registry) Namespaces() []string {
	byNS := r.ByNamespace()
	out := make([]string, 0, len(byNS))
	for ns := range byNS {
		if ns != "" {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}

// Use appends middleware to the chain in invocation order.
func (r *Registry) Use(mw ...plexrpc.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mw = append(r.mw, mw...)
}

// Middleware returns a snapshot of the middleware chain, satisfying the
// plexrpc.Interceptor interface.
func (r *Registry) Middleware() []plexrpc.Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plexrpc.Middleware, len(r.mw))
	copy(out, r.mw)
	return out
}
