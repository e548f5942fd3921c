// Echo Peer: a websocket RPC peer built with peerrpc.
//
// Configuration via environment variables:
//
//	PEERRPC_LISTEN    address to serve websocket peers and /metrics on
//	PEERRPC_DIAL      websocket URL of a listening echo peer
//	PEERRPC_MESSAGE   message the dialing peer sends (default "hello")
//	PEERRPC_CODEC     "json" (default) or "proto"
//
// Usage:
//
//	PEERRPC_LISTEN=:8080 go run ./cmd/echo-peer
//	PEERRPC_DIAL=ws://localhost:8080/rpc go run ./cmd/echo-peer
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	peerrpc "github.com/layr8/go-peerrpc"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case os.Getenv("PEERRPC_LISTEN") != "":
		err = serve(ctx, logger, os.Getenv("PEERRPC_LISTEN"))
	case os.Getenv("PEERRPC_DIAL") != "":
		err = dial(ctx, logger, os.Getenv("PEERRPC_DIAL"))
	default:
		err = errors.New("set PEERRPC_LISTEN or PEERRPC_DIAL")
	}
	if err != nil {
		logger.Fatal("echo peer failed", zap.Error(err))
	}
}

func codec() peerrpc.Codec {
	if strings.EqualFold(os.Getenv("PEERRPC_CODEC"), "proto") {
		return peerrpc.ProtoCodec{}
	}
	return peerrpc.JSONCodec{}
}

func echoNamespace(logger *zap.Logger) peerrpc.Namespace {
	return peerrpc.Namespace{
		"ping": func() string { return "pong" },
		"echo": peerrpc.Namespace{
			"say": func(msg string) (string, error) {
				if msg == "" {
					return "", peerrpc.NewTypeError("empty message")
				}
				logger.Info("echo request", zap.String("message", msg))
				return msg, nil
			},
			"upper": func(msg string, done peerrpc.Callback) {
				done(nil, strings.ToUpper(msg))
			},
		},
	}
}

// echoDescriptor advertises echo.upper with the callback convention.
var echoDescriptor = peerrpc.Descriptor{
	"echo": peerrpc.Branch(peerrpc.Descriptor{
		"upper": peerrpc.Leaf(peerrpc.ConventionNodeCallback),
	}),
}

func serve(ctx context.Context, logger *zap.Logger, addr string) error {
	reg := prometheus.NewRegistry()
	metrics := peerrpc.NewMetrics(reg)
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		if err := servePeer(r.Context(), logger, metrics, conn); err != nil {
			logger.Warn("peer session ended", zap.Error(err))
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("echo peer listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func servePeer(ctx context.Context, logger *zap.Logger, metrics *peerrpc.Metrics, conn *websocket.Conn) (err error) {
	onError := peerrpc.LogErrors(logger)
	wsm, err := peerrpc.NewWebSocketMux(conn, onError, peerrpc.WithCodec(codec()), peerrpc.WithMuxLogger(logger))
	if err != nil {
		conn.Close()
		return err
	}
	gone := make(chan error, 1)
	wsm.OnDisconnect(func(err error) { gone <- err })

	sess, err := peerrpc.New(wsm.Bind(peerrpc.Config{}), echoNamespace(logger), onError,
		peerrpc.WithLogger(logger),
		peerrpc.WithMetrics(metrics),
		peerrpc.WithDescriptor(echoDescriptor),
		peerrpc.WithMiddleware(peerrpc.LoggingMiddleware(logger), peerrpc.RateLimitMiddleware(100, 20)),
	)
	if err != nil {
		return multierr.Append(err, wsm.Close())
	}
	defer func() {
		err = multierr.Combine(err, sess.Close(), wsm.Close())
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	logger.Info("peer connected", zap.String("peer", sess.PeerID()))

	select {
	case <-ctx.Done():
	case err := <-gone:
		logger.Info("peer disconnected", zap.Error(err))
	}
	return nil
}

func dial(ctx context.Context, logger *zap.Logger, url string) (err error) {
	onError := peerrpc.LogErrors(logger)
	wsm, err := peerrpc.DialWebSocket(ctx, url, onError, peerrpc.WithCodec(codec()), peerrpc.WithMuxLogger(logger))
	if err != nil {
		return err
	}

	sess, err := peerrpc.New(wsm.Bind(peerrpc.Config{}), nil, onError, peerrpc.WithLogger(logger))
	if err != nil {
		return multierr.Append(err, wsm.Close())
	}
	defer func() {
		err = multierr.Combine(err, sess.Close(), wsm.Close())
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	logger.Info("connected", zap.String("peer", sess.PeerID()), zap.Strings("remote", sess.Remote().Paths()))

	msg := os.Getenv("PEERRPC_MESSAGE")
	if msg == "" {
		msg = "hello"
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pong, err := sess.Remote().Func("ping").Call(callCtx)
	if err != nil {
		return err
	}
	logger.Info("ping", zap.Any("result", pong))

	say, err := sess.Remote().Lookup("echo.say")
	if err != nil {
		return err
	}
	echoed, err := say.Call(callCtx, msg)
	if err != nil {
		return err
	}
	logger.Info("echo", zap.Any("result", echoed))

	upper, err := sess.Remote().Lookup("echo.upper")
	if err != nil {
		return err
	}
	shout, err := upper.Call(callCtx, msg)
	if err != nil {
		return err
	}
	logger.Info("upper", zap.Any("result", shout))
	return nil
}
