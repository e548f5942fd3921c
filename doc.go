// Package peerrpc lets two processes connected by an asynchronous message
// channel expose and call each other's functions.
//
// Each side creates a Session with the namespace of functions it exposes and
// a transport binding (an On subscription and an Emit function). Connect
// exchanges descriptors of both namespaces, retrying until the peer answers,
// after which the peer's functions are available through Remote:
//
//   - promise functions return a *Call that settles with the results
//   - nodeCallback functions report their outcome through a Callback
//   - Session.Invoke calls any function by path
//
// Errors raised by a function reach the caller as *Error values of the same
// class. Errors that no caller can receive are passed to the ErrorHandler.
//
// Basic usage:
//
//	a, b := peerrpc.NewLoopback()
//
//	server, err := peerrpc.New(peerrpc.Config{}.WithTransport(a), peerrpc.Namespace{
//	    "ping": func() string { return "pong" },
//	}, peerrpc.LogErrors(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := peerrpc.New(peerrpc.Config{}.WithTransport(b), nil, peerrpc.LogErrors(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go server.Connect(ctx)
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	results, err := client.Remote().Func("ping").Call(ctx)
package peerrpc
