package handler

import (
	"context"
	"errors"
	"reflect"

	"github.com/plexrpc/plexrpc"
	"github.com/plexrpc/plexrpc/code"
)

// New adapts a function to a plexrpc.Handler. The concrete value of fn must
// be a function with one of the following type signature schemes, for
// JSON-marshalable types X and Y:
//
//	func(context.Context) error
//	func(context.Context) (Y, error)
//	func(context.Context, X) error
//	func(context.Context, X) (Y, error)
//	func(context.Context, *plexrpc.Request) (any, error)
//
// The wrapper handles JSON decoding of the request parameters into X and
// reports decoding failures as invalid-params errors. New is intended for use
// during program initialization and panics if fn does not have an accepted
// form; programs that need to check for errors should call Check directly.
func New(fn any) Func {
	f, err := Check(fn)
	if err != nil {
		panic(err)
	}
	return f
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
	reqType = reflect.TypeOf((*plexrpc.Request)(nil))
)

// Check checks whether fn can serve as a plexrpc.Handler and returns the
// adapted handler. See New for the accepted signatures.
func Check(fn any) (Func, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}
	if f, ok := fn.(Func); ok {
		return f, nil // exact signature, no reflection needed
	}
	if f, ok := fn.(func(context.Context, *plexrpc.Request) (any, error)); ok {
		return f, nil
	}

	ft := reflect.TypeOf(fn)
	if ft.Kind() != reflect.Func {
		return nil, errors.New("not a function")
	}
	if ft.IsVariadic() {
		return nil, errors.New("variadic functions are not supported")
	}
	if np := ft.NumIn(); np == 0 || np > 2 {
		return nil, errors.New("wrong number of parameters")
	} else if ft.In(0) != ctxType {
		return nil, errors.New("first parameter is not context.Context")
	}
	no := ft.NumOut()
	if no < 1 || no > 2 {
		return nil, errors.New("wrong number of results")
	} else if ft.Out(no-1) != errType {
		return nil, errors.New("last result is not of type error")
	}

	var arg reflect.Type
	if ft.NumIn() == 2 {
		arg = ft.In(1)
	}
	hasResult := no == 2
	call := reflect.ValueOf(fn).Call

	return func(ctx context.Context, req *plexrpc.Request) (any, error) {
		args := []reflect.Value{reflect.ValueOf(ctx)}
		switch {
		case arg == nil:
			// no parameter accepted
		case arg == reqType:
			args = append(args, reflect.ValueOf(req))
		default:
			in := reflect.New(arg)
			if err := req.UnmarshalParams(in.Interface()); err != nil {
				return nil, plexrpc.Errorf(code.InvalidParams, "Invalid parameters: %v", err)
			}
			args = append(args, in.Elem())
		}
		vals := call(args)
		oerr := vals[len(vals)-1].Interface()
		if oerr != nil {
			return nil, oerr.(error)
		}
		if hasResult {
			return vals[0].Interface(), nil
		}
		return nil, nil
	}, nil
}
