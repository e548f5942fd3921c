package peerrpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

// Func is the native form of an exposed function.
type Func func(ctx context.Context, args Args) (Args, error)

// CallbackFunc is an exposed function that reports its outcome through done.
// done must be called exactly once.
type CallbackFunc func(ctx context.Context, args Args, done Callback)

// Callback receives the outcome of a call in error-first style.
type Callback func(err error, results ...any)

// Path resolution errors. They are returned, never panicked, so they can be
// turned straight into an error payload.
var (
	ErrEmptyPath    = protocolError(ClassType, "function path is empty")
	ErrNotNamespace = protocolError(ClassType, "not a namespace (sub-object) on remote")
	ErrNotFunction  = protocolError(ClassType, "not a function on remote")
)

var (
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	callbackType = reflect.TypeOf(Callback(nil))
	rawCbType    = reflect.TypeOf(func(error, ...any) {})
)

// resolvePath walks the dotted path through root and returns the function
// at its end.
func resolvePath(root Namespace, path string) (any, error) {
	var names []string
	for _, n := range strings.Split(path, ".") {
		if n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyPath, path)
	}

	cur := root
	for _, name := range names[:len(names)-1] {
		sub, ok := asNamespace(cur[name])
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotNamespace, name)
		}
		cur = sub
	}

	leaf := cur[names[len(names)-1]]
	if !isFunc(leaf) {
		return nil, fmt.Errorf("%w: %s is %T", ErrNotFunction, path, leaf)
	}
	return leaf, nil
}

// target is an exposed function in one of its two native shapes.
type target struct {
	fn Func
	cb CallbackFunc
}

// adapt normalises an exposed Go value. Func and CallbackFunc are used as is;
// any other func is called by reflection: an optional leading
// context.Context, parameters bound from the arguments, a trailing error
// result, and, when the last parameter is a Callback, callback style.
func adapt(v any) (target, error) {
	switch f := v.(type) {
	case Func:
		return target{fn: f}, nil
	case func(context.Context, Args) (Args, error):
		return target{fn: f}, nil
	case CallbackFunc:
		return target{cb: f}, nil
	case func(context.Context, Args, Callback):
		return target{cb: f}, nil
	}

	fv := reflect.ValueOf(v)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return target{}, fmt.Errorf("%w: %T", ErrNotFunction, v)
	}
	ft := fv.Type()
	n := ft.NumIn()
	if n > 0 && !ft.IsVariadic() && (ft.In(n-1) == callbackType || ft.In(n-1) == rawCbType) {
		return target{cb: reflectCallback(fv)}, nil
	}
	return target{fn: reflectFunc(fv)}, nil
}

func reflectFunc(fv reflect.Value) Func {
	ft := fv.Type()
	returnsErr := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType

	return func(ctx context.Context, args Args) (Args, error) {
		in, err := bindParams(ctx, ft, ft.NumIn(), args)
		if err != nil {
			return nil, err
		}
		out := fv.Call(in)
		if returnsErr {
			last := out[len(out)-1]
			out = out[:len(out)-1]
			if !last.IsNil() {
				return nil, last.Interface().(error)
			}
		}
		results := make(Args, len(out))
		for i, o := range out {
			results[i] = o.Interface()
		}
		return results, nil
	}
}

func reflectCallback(fv reflect.Value) CallbackFunc {
	ft := fv.Type()
	cbParam := ft.In(ft.NumIn() - 1)

	return func(ctx context.Context, args Args, done Callback) {
		in, err := bindParams(ctx, ft, ft.NumIn()-1, args)
		if err != nil {
			done(err)
			return
		}
		in = append(in, reflect.ValueOf(done).Convert(cbParam))
		fv.Call(in)
	}
}

// bindParams converts args into the first n parameters of ft. Missing
// arguments take zero values; surplus arguments are rejected unless the
// function is variadic.
func bindParams(ctx context.Context, ft reflect.Type, n int, args Args) ([]reflect.Value, error) {
	var in []reflect.Value
	first := 0
	if n > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(&ctx).Elem())
		first = 1
	}

	fixed := n - first
	variadic := ft.IsVariadic() && n == ft.NumIn()
	if variadic {
		fixed--
	}
	if !variadic && len(args) > fixed {
		return nil, NewTypeError("too many arguments: want %d, got %d", fixed, len(args))
	}

	for i := 0; i < fixed; i++ {
		pv := reflect.New(ft.In(first + i)).Elem()
		if i < len(args) {
			if err := assign(args[i], pv); err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
		}
		in = append(in, pv)
	}
	if variadic {
		elem := ft.In(n - 1).Elem()
		for i := fixed; i < len(args); i++ {
			pv := reflect.New(elem).Elem()
			if err := assign(args[i], pv); err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, pv)
		}
	}
	return in, nil
}

// call runs t to completion and returns its outcome. Panics are converted
// to errors.
func (t target) call(ctx context.Context, args Args) (results Args, err error) {
	if t.fn != nil {
		defer recoverInto(&err)
		return t.fn(ctx, args)
	}

	type outcome struct {
		results Args
		err     error
	}
	ch := make(chan outcome, 1)
	t.callback(ctx, args, func(err error, results ...any) {
		select {
		case ch <- outcome{results: results, err: err}:
		default:
		}
	})
	select {
	case o := <-ch:
		return o.results, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callback runs t in callback style. A panic before done fires is delivered
// through done.
func (t target) callback(ctx context.Context, args Args, done Callback) {
	if t.cb == nil {
		results, err := t.call(ctx, args)
		done(err, results...)
		return
	}
	var err error
	func() {
		defer recoverInto(&err)
		t.cb(ctx, args, done)
	}()
	if err != nil {
		done(err)
	}
}

func recoverInto(err *error) {
	r := recover()
	if r == nil {
		return
	}
	*err = panicError(r)
}

func panicError(r any) *Error {
	var e *Error
	if err, ok := r.(error); ok && errors.As(err, &e) {
		return e
	}
	return &Error{
		Class:   ClassError,
		Message: fmt.Sprint(r),
		Stack:   string(debug.Stack()),
	}
}
