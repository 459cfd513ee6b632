package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/LuminPulse-AI/clinicsync"
)

// getConfig loads the effective config or exits.
func getConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// getStore creates a REST client for the configured backend.
func getStore(cfg *Config) *clinicsync.HTTPStore {
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No backend URL. Run 'clinicsync init <base-url>' first.")
		os.Exit(1)
	}
	opts := []clinicsync.StoreOption{clinicsync.WithBaseURL(cfg.Default.BaseURL)}
	if cfg.Default.Token != "" {
		opts = append(opts, clinicsync.WithToken(cfg.Default.Token))
	}
	return clinicsync.NewHTTPStore(opts...)
}

// getChannel creates the configured push transport.
func getChannel(cfg *Config, cc *clinicsync.ChannelConfig) clinicsync.EventChannel {
	cc.Token = cfg.Default.Token
	if cfg.Default.Transport == "sse" {
		return clinicsync.NewSSEChannel(cfg.Default.BaseURL, cc)
	}
	return clinicsync.NewWSChannel(cfg.Default.BaseURL, cc)
}

// apiError formats a backend error for display.
func apiError(err error) error {
	var apiErr *clinicsync.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("API error: %s: %s", apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, clinicsync.ErrNetwork) {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	return fmt.Errorf("request failed: %w", err)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
