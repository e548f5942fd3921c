// Integration test against a live echo peer.
//
// Prerequisites:
//   - An echo peer listening, e.g. PEERRPC_LISTEN=:8080 go run ./cmd/echo-peer
//
// Usage:
//
//	go run ./cmd/integration-test
//	PEERRPC_DIAL=ws://other-host:8080/rpc go run ./cmd/integration-test
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	peerrpc "github.com/layr8/go-peerrpc"
)

const defaultURL = "ws://localhost:8080/rpc"

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	passed := 0
	failed := 0

	url := os.Getenv("PEERRPC_DIAL")
	if url == "" {
		url = defaultURL
	}

	fmt.Println("=== peerrpc Integration Test ===")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	onError := func(e peerrpc.PeerError) {
		log.Printf("  [error handler] %v", &e)
	}

	// --- Test 1: Connect to the echo peer ---
	fmt.Printf("[Test 1] Connect to %s...\n", url)

	wsm, err := peerrpc.DialWebSocket(ctx, url, onError)
	if err != nil {
		log.Fatalf("  FAIL: DialWebSocket(): %v", err)
	}
	defer wsm.Close()

	sess, err := peerrpc.New(wsm.Bind(peerrpc.Config{}), peerrpc.Namespace{
		"whoami": func() string { return "integration-test" },
	}, onError)
	if err != nil {
		log.Fatalf("  FAIL: New(): %v", err)
	}
	if err := sess.Connect(ctx); err != nil {
		log.Fatalf("  FAIL: Connect(): %v", err)
	}
	fmt.Printf("  PASS: session=%s peer=%s\n", sess.ID(), sess.PeerID())
	passed++

	// --- Test 2: Remote descriptor ---
	fmt.Println("[Test 2] Remote exposes the echo namespace...")

	paths := sess.Remote().Paths()
	want := []string{"echo.say", "echo.upper", "ping"}
	if sort.StringsAreSorted(paths) && strings.Join(paths, ",") == strings.Join(want, ",") {
		fmt.Printf("  PASS: %v\n", paths)
		passed++
	} else {
		fmt.Printf("  FAIL: paths=%v (want %v)\n", paths, want)
		failed++
	}

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()

	// --- Test 3: Promise call ---
	fmt.Println("[Test 3] Promise call echo.say...")

	results, err := sess.Remote().Namespace("echo").Func("say").Call(callCtx, "Hello from Go!")
	var echoed string
	if err == nil {
		err = results.Bind(0, &echoed)
	}
	switch {
	case err != nil:
		fmt.Printf("  FAIL: %v\n", err)
		failed++
	case echoed != "Hello from Go!":
		fmt.Printf("  FAIL: unexpected echo %q\n", echoed)
		failed++
	default:
		fmt.Printf("  PASS: %q\n", echoed)
		passed++
	}

	// --- Test 4: Remote error keeps its class ---
	fmt.Println("[Test 4] echo.say with an empty message is a TypeError...")

	_, err = sess.Remote().Namespace("echo").Func("say").Call(callCtx, "")
	if peerrpc.IsClass(err, peerrpc.ClassType) {
		fmt.Printf("  PASS: %v\n", err)
		passed++
	} else {
		fmt.Printf("  FAIL: got %v\n", err)
		failed++
	}

	// --- Test 5: Callback convention ---
	fmt.Println("[Test 5] Callback call echo.upper...")

	upper, err := sess.Remote().Lookup("echo.upper")
	if err != nil {
		log.Fatalf("  FAIL: Lookup(): %v", err)
	}
	shouted := make(chan string, 1)
	_, err = upper.Apply("quiet", peerrpc.Callback(func(err error, results ...any) {
		if err != nil || len(results) == 0 {
			shouted <- fmt.Sprintf("error: %v", err)
			return
		}
		shouted <- fmt.Sprint(results[0])
	}))
	if err != nil {
		fmt.Printf("  FAIL: Apply(): %v\n", err)
		failed++
	} else {
		select {
		case got := <-shouted:
			if got == "QUIET" {
				fmt.Printf("  PASS: %q\n", got)
				passed++
			} else {
				fmt.Printf("  FAIL: got %q\n", got)
				failed++
			}
		case <-callCtx.Done():
			fmt.Println("  FAIL: callback never fired")
			failed++
		}
	}

	// --- Test 6: Concurrent calls ---
	fmt.Println("[Test 6] 10 concurrent ping calls...")

	g, gctx := errgroup.WithContext(callCtx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			results, err := sess.Remote().Func("ping").Call(gctx)
			if err != nil {
				return err
			}
			if len(results) != 1 || results[0] != "pong" {
				return fmt.Errorf("unexpected results %v", results)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		failed++
	} else {
		fmt.Println("  PASS")
		passed++
	}

	// --- Test 7: Calls after Close are rejected ---
	fmt.Println("[Test 7] Calls after Close are rejected...")

	ping := sess.Remote().Func("ping")
	if err := sess.Close(); err != nil {
		fmt.Printf("  WARN: Close(): %v\n", err)
	}
	_, err = ping.Call(callCtx)
	if errors.Is(err, peerrpc.ErrSessionClosed) {
		fmt.Println("  PASS")
		passed++
	} else {
		fmt.Printf("  FAIL: got %v\n", err)
		failed++
	}

	// --- Summary ---
	fmt.Println()
	fmt.Println("=== Results ===")
	fmt.Printf("  Passed: %d\n", passed)
	fmt.Printf("  Failed: %d\n", failed)

	if failed > 0 {
		os.Exit(1)
	}
}
