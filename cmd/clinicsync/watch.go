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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/clinicsync"
)

var (
	watchMetricsAddr string
	watchInterval    time.Duration
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve engine metrics on this address (e.g. :9090)")
	watchCmd.Flags().DurationVar(&watchInterval, "summary-interval", time.Minute, "How often to log a sync summary (0 disables)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine and log live changes",
	Long:  "Keep a local copy of all cases in sync with the backend, logging connection state and record changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := slog.Default()

		sc, err := syncConfig(cfg, log)
		if err != nil {
			return err
		}

		var metricsSrv *http.Server
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			sc.Metrics = clinicsync.NewPrometheusRecorder(reg)
			metricsSrv = &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server failed", slog.String("error", err.Error()))
				}
			}()
		}

		store := getStore(cfg)
		channel := getChannel(cfg, &clinicsync.ChannelConfig{Logger: log})
		engine := clinicsync.NewEngine(store, channel, sc)

		engine.On(clinicsync.EventStateChanged, func(_ string, p any) {
			log.Info("Connection", slog.String("state", string(p.(clinicsync.ConnectionState))))
		})
		engine.On(clinicsync.EventRecordsChanged, func(_ string, p any) {
			log.Debug("Records changed", slog.Int("count", p.(int)))
		})
		engine.On(clinicsync.EventRefreshFailed, func(_ string, p any) {
			log.Warn("Refresh failed", slog.String("error", p.(error).Error()))
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = engine.Start(startCtx)
		cancel()
		if err != nil {
			return err
		}
		st := engine.State()
		log.Info("Watching cases", slog.String("base_url", cfg.Default.BaseURL), slog.Int("count", len(st.Records)))
		if st.Error != "" {
			log.Warn("Initial load failed; polling will retry", slog.String("error", st.Error))
		}

		var tick <-chan time.Time
		if watchInterval > 0 {
			ticker := time.NewTicker(watchInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-tick:
				s := engine.Status()
				log.Info("Sync summary", slog.String("state", string(s.State)), slog.Int("records", s.Records),
					slog.String("poll_tier", s.PollTier), slog.Int("attempt", s.Attempt))
			}
		}

		log.Info("Stopping")
		if err := engine.Close(); err != nil {
			return err
		}
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	},
}
