package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/alovak/khqr-gateway/gateway"
	"github.com/alovak/khqr-gateway/internal/authoritystub"
	"github.com/alovak/khqr-gateway/internal/middleware"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP and push server",
		Long: `Run the gateway.

Examples:
  KHQR_SETTLEMENT_TOKEN=... khqr-gateway serve
  khqr-gateway serve --config khqr.yaml --addr :3000
  khqr-gateway serve --allow-no-token   # probes answer settlement_unavailable`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "listen address (overrides http_addr)")
	cmd.Flags().Bool("allow-no-token", false, "start even without a settlement token")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)

	path, _ := cmd.Flags().GetString("config")
	cfg, err := gateway.LoadConfig(path)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if allow, _ := cmd.Flags().GetBool("allow-no-token"); allow {
		cfg.Settlement.FailFast = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := gateway.NewApp(logger, cfg)
	if err := app.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	<-ctx.Done()
	app.Shutdown()
	return nil
}

func stubAuthorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub-authority",
		Short: "Run a fake settlement authority for local development",
		Long: `Run an in-memory settlement authority.

Point the gateway at it with
  KHQR_SETTLEMENT_URL=http://localhost:3100/v1/check_transaction_by_md5
and mark a code as paid with
  curl -X POST http://localhost:3100/dev/settle/<fingerprint>`,
		RunE: runStubAuthority,
	}

	cmd.Flags().String("addr", "localhost:3100", "listen address")
	cmd.Flags().String("token", "", "bearer token to require (empty accepts any)")

	return cmd
}

func runStubAuthority(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd).With(slog.String("app", "stub-authority"))
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(logger))
	authoritystub.New(token).AppendRoutes(router)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("stub authority started", slog.String("addr", l.Addr().String()), slog.String("check", authoritystub.CheckPath))
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
