package plexrpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/plexrpc/plexrpc/code"
)

// An Engine executes requests against an Assigner. The engine is transport
// neutral: the WebSocket path and the HTTP fallback invoke the same Dispatch
// methods, so functional parity between transports is a property of the
// router, not the engine.
//
// An Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	mux Assigner

	sem        *semaphore.Weighted // bounds concurrent handler execution
	timeout    time.Duration       // per-call upper bound (0 = none)
	maxBatch   int                 // largest accepted batch (0 = unlimited)
	production bool                // redact internal error detail
	log        func(string, ...any)
}

// NewEngine returns an engine that dispatches requests according to mux.
// This function panics if mux == nil.
func NewEngine(mux Assigner, opts *EngineOptions) *Engine {
	if mux == nil {
		panic("nil assigner")
	}
	return &Engine{
		mux:        mux,
		sem:        semaphore.NewWeighted(opts.concurrency()),
		timeout:    opts.methodTimeout(),
		maxBatch:   opts.maxBatchSize(),
		production: opts.productionMode(),
		log:        opts.logFunc(),
	}
}

// Dispatch executes a single request and returns its response. Handler and
// middleware failures never escape as errors; every outcome is shaped into a
// response envelope preserving the request id.
func (e *Engine) Dispatch(ctx context.Context, req *Request) *Response {
	rpcRequestsCount.Add(1)
	h := e.mux.Assign(ctx, req.Method)
	if h == nil {
		rpcErrorsCount.Add(1)
		return &Response{ID: req.ID, Error: Errorf(code.MethodNotFound, "Method not found: %s", req.Method)}
	}

	ctx = context.WithValue(ctx, inboundRequestKey{}, req)
	start := time.Now()
	v, err := e.invoke(ctx, h, req)
	if err != nil {
		return e.errorResponse(req, err)
	}

	rsp := &Response{ID: req.ID, Meta: &Meta{Duration: millis(time.Since(start))}}
	if v != nil {
		bits, merr := json.Marshal(v)
		if merr != nil {
			e.log("Marshaling result for %q failed: %v", req.Method, merr)
			return e.errorResponse(req, merr)
		}
		rsp.Result = bits
	}
	return rsp
}

// DispatchBatch executes a batch. With AbortOnError the members run
// sequentially and execution stops after the first member error, returning
// the responses accumulated so far; otherwise all members run in parallel and
// the responses preserve request order. It reports an error only when the
// batch itself is unacceptable (too large); member failures are carried in
// the member responses.
func (e *Engine) DispatchBatch(ctx context.Context, b *BatchRequest) (*BatchResponse, error) {
	if e.maxBatch > 0 && len(b.Requests) > e.maxBatch {
		return nil, Errorf(code.InvalidRequest, "Invalid request: batch of %d exceeds limit %d", len(b.Requests), e.maxBatch)
	}
	start := time.Now()
	out := &BatchResponse{ID: b.ID}

	if b.AbortOnError {
		for _, req := range b.Requests {
			rsp := e.Dispatch(ctx, req)
			out.Responses = append(out.Responses, rsp)
			if rsp.Error != nil {
				break
			}
		}
	} else {
		rsps := make([]*Response, len(b.Requests))
		var g errgroup.Group
		for i, req := range b.Requests {
			i, req := i, req
			g.Go(func() error { rsps[i] = e.Dispatch(ctx, req); return nil })
		}
		g.Wait()
		out.Responses = rsps
	}

	out.Success = true
	for _, rsp := range out.Responses {
		if rsp.Error != nil {
			out.Success = false
			break
		}
	}
	out.Duration = millis(time.Since(start))
	return out, nil
}

// invoke runs the middleware chain with the handler at its tail, racing the
// per-call timeout if one is configured. On timeout the handler is not
// terminated; it runs to completion in the background and its eventual result
// is discarded.
func (e *Engine) invoke(ctx context.Context, h Handler, req *Request) (any, error) {
	if e.timeout <= 0 {
		return e.run(ctx, h, req)
	}
	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := e.run(ctx, h, req)
		done <- outcome{v, err}
	}()

	t := time.NewTimer(e.timeout)
	defer t.Stop()
	select {
	case out := <-done:
		return out.v, out.err
	case <-t.C:
		rpcTimeoutsCount.Add(1)
		e.log("Request %q to %q timed out after %v", req.ID, req.Method, e.timeout)
		return nil, Errorf(code.Timeout, "Method timed out: %s", req.Method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run composes the middleware chain as an ordered sequence plus an index that
// advances each time a middleware invokes its continuation; the handler is
// implicit at position len(mw). Returning without invoking the continuation
// short-circuits the chain.
func (e *Engine) run(ctx context.Context, h Handler, req *Request) (any, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	var mw []Middleware
	if in, ok := e.mux.(Interceptor); ok {
		mw = in.Middleware()
	}
	var call func(context.Context, int) (any, error)
	call = func(ctx context.Context, i int) (any, error) {
		if i < len(mw) {
			return mw[i](ctx, req, func(next context.Context) (any, error) {
				return call(next, i+1)
			})
		}
		return h(ctx, req)
	}
	return call(ctx, 0)
}

// errorResponse shapes err into a response envelope for req. An in-band
// *Error passes through with its code, message, and data; any other error
// maps to an internal error, whose message is replaced by a generic string in
// production mode.
func (e *Engine) errorResponse(req *Request, err error) *Response {
	rpcErrorsCount.Add(1)
	var rpcErr *Error
	if errors.As(err, &rpcErr) && code.InBand(rpcErr.Code) {
		return &Response{ID: req.ID, Error: rpcErr}
	}
	if c := code.FromError(err); c != code.InternalError {
		return &Response{ID: req.ID, Error: &Error{Code: c, Message: err.Error()}}
	}
	if e.production {
		return &Response{ID: req.ID, Error: &Error{Code: code.InternalError, Message: "Internal error"}}
	}
	return &Response{ID: req.ID, Error: &Error{Code: code.InternalError, Message: err.Error()}}
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
