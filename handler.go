package plexrpc

import "context"

// A Handler implements a method. The request carries the caller's parameters;
// the return value is marshaled to JSON as the result. An error of concrete
// type *Error (or any code.Coder) is passed through to the caller; any other
// error is reported as an internal error.
type Handler func(ctx context.Context, req *Request) (any, error)

// Next advances a middleware chain. A middleware that returns without
// invoking its Next short-circuits the chain; the handler never runs.
type Next func(ctx context.Context) (any, error)

// A Middleware intercepts a request on its way to the handler. It may mutate
// req.Meta, replace the context passed to next, or refuse to continue, but it
// must not retain req or ctx after the chain completes.
type Middleware func(ctx context.Context, req *Request, next Next) (any, error)

// An Assigner maps method names to handlers.
type Assigner interface {
	// Assign returns the handler for the named method, or nil.
	// The implementation may apply fallback rules such as wildcards.
	Assign(ctx context.Context, method string) Handler
}

// A Namer is an optional interface that an Assigner may implement to report
// the names of the methods it knows.
type Namer interface {
	// Names returns the known method names in a stable order.
	Names() []string
}

// An Interceptor is an optional interface that an Assigner may implement to
// contribute an ordered middleware chain. The dispatch engine snapshots the
// chain once per request.
type Interceptor interface {
	Middleware() []Middleware
}
