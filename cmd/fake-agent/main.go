// ABOUTME: Scripted credential agent for local runs and E2E testing
// ABOUTME: Usage: fake-agent [-addr localhost:8021] [-portal http://localhost:8080] [-pending 2]
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/ssi-portal/internal/agent/agenttest"
)

func main() {
	addr := flag.String("addr", "localhost:8021", "HTTP listen address")
	portalURL := flag.String("portal", "http://localhost:8080", "Portal base URL for the GitHub login redirect")
	pending := flag.Int("pending", 2, "Polls each handle stays in progress before settling")
	unverified := flag.Bool("unverified", false, "Report completed proofs as not verified")
	label := flag.String("label", "Echo Wallet", "Wallet label reported on connections")
	flag.Parse()

	opts := agenttest.DefaultOptions()
	opts.PortalURL = *portalURL
	opts.Unverified = *unverified
	opts.TheirLabel = *label
	opts.Connection.Pending = *pending
	opts.Proof.Pending = *pending
	opts.Credential.Pending = *pending

	if err := run(*addr, opts); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, opts agenttest.Options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fake := agenttest.New(opts)

	srv := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Info("request", "method", r.Method, "path", r.URL.Path)
			fake.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake agent listening", "addr", addr, "portal", opts.PortalURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
