// Package code defines the error code values used by the plexrpc package.
package code

import (
	"context"
	"errors"
	"fmt"
)

// A Code is an error response code.
//
// Valid RPC error codes occupy two disjoint bands: the standard band from
// -32700 to -32600 covers protocol-level failures (parse errors, invalid
// requests, unknown methods, bad parameters, internal errors), and the custom
// band from -32099 to -32001 covers application-level failures (authorization,
// missing resources, conflicts, rate limits, timeouts). Values outside these
// bands are not valid RPC error codes, although they may occur in errors
// received from non-conforming peers.
type Code int32

func (c Code) String() string {
	if s, ok := stdError[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", c)
}

// A Coder is a value that can report an error code value.
type Coder interface {
	ErrCode() Code
}

// Err converts c to an error value, which is nil for code.NoError and
// otherwise an error value whose text is based on the registered message
// string for c.
func (c Code) Err() error {
	if c == NoError {
		return nil
	} else if s, ok := stdError[c]; ok {
		return fmt.Errorf("[%d] %s", c, s)
	}
	return errors.New(c.String())
}

// ErrCode satisfies the Coder interface, permitting a bare Code to be used
// directly as a classified error value.
func (c Code) ErrCode() Code { return c }

// Error satisfies the error interface.
func (c Code) Error() string { return c.String() }

// Standard band error codes.
const (
	ParseError     Code = -32700 // Invalid JSON received by the server
	InvalidRequest Code = -32600 // The message is not a valid request object
	MethodNotFound Code = -32601 // The method does not exist or is unavailable
	InvalidParams  Code = -32602 // Invalid method parameters
	InternalError  Code = -32603 // Internal server error
)

// Custom band error codes.
const (
	Unauthorized Code = -32001 // The caller is not authenticated
	Forbidden    Code = -32002 // The caller is not permitted to do this
	NotFound     Code = -32003 // The requested entity does not exist
	Conflict     Code = -32004 // The request conflicts with existing state
	RateLimited  Code = -32005 // The caller exceeded its request budget
	Timeout      Code = -32006 // The request did not complete in time
)

// NoError is a sentinel reported by FromError for a nil error. It lies outside
// both bands and is never a valid wire code.
const NoError Code = 0

var stdError = map[Code]string{
	ParseError:     "parse error",
	InvalidRequest: "invalid request",
	MethodNotFound: "method not found",
	InvalidParams:  "invalid parameters",
	InternalError:  "internal error",

	Unauthorized: "unauthorized",
	Forbidden:    "forbidden",
	NotFound:     "not found",
	Conflict:     "conflict",
	RateLimited:  "rate limited",
	Timeout:      "timeout",
}

// InBand reports whether c lies in the standard or custom band of valid RPC
// error codes.
func InBand(c Code) bool {
	return (c >= -32700 && c <= -32600) || (c >= -32099 && c <= -32001)
}

// Register adds a new Code value with the specified message string. The value
// must lie in the custom band. This function panics if the proposed value is
// already registered or is out of band, and is meant for use during program
// initialization.
func Register(value int32, message string) Code {
	c := Code(value)
	if c < -32099 || c > -32001 {
		panic(fmt.Sprintf("code %d is outside the custom band", value))
	}
	if s, ok := stdError[c]; ok {
		panic(fmt.Sprintf("code %d is already registered for %q", c, s))
	}
	stdError[c] = message
	return c
}

// FromError returns a Code to categorize the specified error.
//
// If err == nil, it returns code.NoError.
// If err is (or wraps) a Coder reporting an in-band code, it returns that code.
// If err is (or wraps) context.DeadlineExceeded, it returns code.Timeout.
// Otherwise it returns code.InternalError.
func FromError(err error) Code {
	if err == nil {
		return NoError
	}
	var c Coder
	if errors.As(err, &c) && InBand(c.ErrCode()) {
		return c.ErrCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return InternalError
}
