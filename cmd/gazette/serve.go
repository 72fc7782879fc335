package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matthewjhunter/gazette"
	"github.com/spf13/cobra"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Fever API while crawling and refreshing the hotlink cache",
		Long: `Run the crawl scheduler and the hotlink cache refresher in the background
and serve the Fever sync API over HTTP. The first cache generation is built
before the listener opens. Handles SIGINT/SIGTERM for graceful shutdown
(finishes the current cycle).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}

			engine, err := gazette.NewEngine(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, stop := signalContext(context.Background())
			defer stop()

			if err := engine.Start(ctx); err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}
			defer engine.Stop()

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      newRouter(engine),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("gazette: listening", "addr", cfg.Server.Addr,
					"crawl_interval", engine.CrawlInterval(), "cache_interval", engine.CacheInterval())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
			case <-ctx.Done():
				slog.Info("gazette: received shutdown signal, shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
