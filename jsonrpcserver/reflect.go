package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooMuchArguments = errors.New("too much arguments")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// methodHandler is a reflected func(ctx, args...) ([result], error).
type methodHandler struct {
	args      []reflect.Type
	hasResult bool
	fn        reflect.Value
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	args := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		args = append(args, fnType.In(i))
	}
	return methodHandler{
		args:      args,
		hasResult: numOut == 2,
		fn:        reflect.ValueOf(fn),
	}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeParams(h.args, params)
	if err != nil {
		return nil, err
	}
	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var outErr error
	if errVal := results[len(results)-1]; !errVal.IsNil() {
		e, ok := errVal.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		outErr = e
	}
	if !h.hasResult {
		return nil, outErr
	}
	return results[0].Interface(), outErr
}

// decodeParams unmarshals positional params into the method argument types.
func decodeParams(types []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(types) {
		return nil, ErrTooMuchArguments
	}
	values := make([]reflect.Value, len(types))
	for i, t := range types {
		v := reflect.New(t)
		if i < len(params) {
			if err := json.Unmarshal(params[i], v.Interface()); err != nil {
				return nil, err
			}
		}
		values[i] = v.Elem()
	}
	return values, nil
}
