package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	configShowRaw    bool
	configShowReveal bool
)

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored, without environment overrides")
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Show tokens and secrets unmasked")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage clinicsync configuration",
	Long: "Inspect or change ~/.clinicsync/config.toml ($CLINICSYNC_HOME overrides the directory).\n" +
		"CLINICSYNC_* variables, including those from a .env file, take precedence over the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if configShowRaw {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file found. Run 'clinicsync init <base-url>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			_, err = out.Write(data)
			return err
		}

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return writeEffectiveConfig(out, path, cfg, activeOverrides(), configShowReveal)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a value in the config file using dot notation.\nExample: clinicsync config set sync.poll_interval 20s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Only the file is written; env values must not leak into it.
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		for _, o := range activeOverrides() {
			if o.key == key {
				fmt.Fprintf(out, "Note: %s is set and overrides this value.\n", o.env)
			}
		}
		return nil
	},
}

type override struct {
	env string
	key string
}

// activeOverrides lists the CLINICSYNC_* variables currently in effect,
// sorted by variable name.
func activeOverrides() []override {
	var out []override
	for env, key := range envOverrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			out = append(out, override{env: env, key: key})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].env < out[j].env })
	return out
}

func writeEffectiveConfig(w io.Writer, path string, cfg *Config, overrides []override, reveal bool) error {
	shown := *cfg
	if !reveal {
		mask := func(s *string) {
			if *s != "" {
				*s = maskKey(*s)
			}
		}
		mask(&shown.Default.Token)
		mask(&shown.Server.Token)
		mask(&shown.Server.IntakeSecret)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	fmt.Fprintf(w, "# file: %s\n", path)
	for _, o := range overrides {
		fmt.Fprintf(w, "# %s from %s\n", o.key, o.env)
	}
	_, err = w.Write(data)
	return err
}
