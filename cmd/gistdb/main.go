package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/agentworkforce/gistdb/internal/app"
	"github.com/agentworkforce/gistdb/internal/config"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file read before the environment")
	addr := flag.String("addr", "", "listen address (overrides GISTDB_ADDR)")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*envFile)
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, nil); err != nil {
		glog.Exitf("server failed: %v", err)
	}
}

// run serves until ctx is done and then drains in-flight requests. ready, when
// set, receives the bound address once the listener is up.
func run(ctx context.Context, cfg config.Config, ready chan<- string) error {
	a, err := app.New(cfg, app.GlogLogger{})
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start(ctx)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := newHTTPServer(a.Handler)
	glog.Infof("gistdb listening on %s (tenant %s)", listener.Addr(), a.Tenant.Name)
	if ready != nil {
		ready <- listener.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	glog.Infof("gistdb shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
