package plexrpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrPipelineDone is reported when a pipeline is reused after Execute.
var ErrPipelineDone = errors.New("pipeline already executed")

// A Ref is a back-reference to the result of an earlier pipeline member. It
// marshals to the marker object {"$ref": N}. The marker is a hint carried in
// the member's params; the server may reject or inline it.
type Ref int

// MarshalJSON implements the json.Marshaler interface.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Ref int `json:"$ref"`
	}{int(r)})
}

// A Pipeline accumulates calls and issues them as one batch request. The
// zero value is not ready for use; call Client.Pipeline. A pipeline is
// single-use: after Execute, further use reports ErrPipelineDone.
type Pipeline struct {
	c *Client

	mu           sync.Mutex
	calls        []pipelineCall
	abortOnError bool
	done         bool
	err          error
}

type pipelineCall struct {
	method string
	params any
}

// Pipeline returns a new empty pipeline issuing through c.
func (c *Client) Pipeline() *Pipeline { return &Pipeline{c: c} }

// Call plans an invocation of method with params and returns a Ref to its
// future result, usable inside the params of later members.
func (p *Pipeline) Call(method string, params any) Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		p.err = ErrPipelineDone
		return Ref(-1)
	}
	p.calls = append(p.calls, pipelineCall{method: method, params: params})
	return Ref(len(p.calls) - 1)
}

// AbortOnError makes the executed batch stop at the first member error.
func (p *Pipeline) AbortOnError() *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortOnError = true
	return p
}

// Execute issues the planned calls as a single batch and returns the ordered
// member results. If any executed member reported an error, the first such
// error is returned alongside the results gathered so far.
func (p *Pipeline) Execute(ctx context.Context) ([]json.RawMessage, error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil, ErrPipelineDone
	}
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	p.done = true
	calls := p.calls
	abort := p.abortOnError
	p.mu.Unlock()

	b := &BatchRequest{ID: p.c.nextID(), AbortOnError: abort}
	for _, call := range calls {
		req := &Request{ID: p.c.nextID(), Method: call.method}
		if call.params != nil {
			bits, err := marshalParams(call.params)
			if err != nil {
				return nil, err
			}
			req.Params = bits
		}
		b.Requests = append(b.Requests, req)
	}

	rsp, err := p.c.CallBatch(ctx, b)
	if err != nil {
		return nil, err
	}
	results := make([]json.RawMessage, len(rsp.Responses))
	var firstErr error
	for i, m := range rsp.Responses {
		results[i] = m.Result
		if m.Error != nil && firstErr == nil {
			firstErr = m.Error
		}
	}
	return results, firstErr
}
