package plexrpc

import "context"

// InboundRequest returns the inbound request associated with the context
// passed to a Handler, or nil if ctx does not have an inbound request. The
// dispatch engine populates this value for handler contexts.
//
// This is mainly useful to wrapped handlers that do not receive the request
// as an explicit parameter; for direct implementations of the Handler type
// the value returned by InboundRequest is the request passed explicitly.
func InboundRequest(ctx context.Context) *Request {
	if v := ctx.Value(inboundRequestKey{}); v != nil {
		return v.(*Request)
	}
	return nil
}

type inboundRequestKey struct{}
