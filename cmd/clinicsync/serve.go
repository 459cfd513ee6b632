package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/clinicsync/backend"
)

var (
	serveAddr   string
	serveDBPath string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default :8080, or server.addr)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "SQLite database path (default clinicsync.db, or server.db_path)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the case backend",
	Long:  "Serve the case REST API with WebSocket and SSE push, the signed booking intake hook, /healthz and /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := firstNonEmpty(serveAddr, cfg.Server.Addr, ":8080")
		dbPath := firstNonEmpty(serveDBPath, cfg.Server.DBPath, "clinicsync.db")
		log := slog.Default()

		store, err := backend.NewSQLiteStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		srv, err := backend.NewServer(store, backend.NewHub(), &backend.Config{
			Token:        cfg.Server.Token,
			IntakeSecret: cfg.Server.IntakeSecret,
			Logger:       log,
			Registry:     reg,
		})
		if err != nil {
			return err
		}

		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Info("Backend listening", slog.String("addr", addr), slog.String("db", dbPath),
				slog.Bool("intake", cfg.Server.IntakeSecret != ""), slog.Bool("auth", cfg.Server.Token != ""))
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("Shutting down")
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
