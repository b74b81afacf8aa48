package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "backoffice",
	Short: "Back office session service for property management staff",
	Long: `Serves the staff back office: sign-in, the inactivity guard that warns
before signing idle sessions out, per-user dataset warm-up, and a
hash-chained audit trail of session events.

Every flag can also be set in a TOML file passed with --config, using the
flag name as the key. Flags given on the command line win over the file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyConfigFile(cmd, configFile)
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML file with flag values")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	addStorageFlags(rootCmd)
}

// newLogger returns a JSON logger at the given level. Unknown levels
// fall back to info.
func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// applyConfigFile sets every flag named in the TOML file at path that was
// not given on the command line. Keys are flag names. Arrays map to
// list flags.
func applyConfigFile(cmd *cobra.Command, path string) error {
	if path == "" {
		return nil
	}
	values := make(map[string]any)
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	flags := cmd.Flags()
	for key, raw := range values {
		if key == "config" {
			continue
		}
		// One file serves every subcommand, so keys for other commands
		// are skipped.
		f := flags.Lookup(key)
		if f == nil || f.Changed {
			continue
		}
		value, err := configValue(raw)
		if err != nil {
			return fmt.Errorf("config %s: key %q: %w", path, key, err)
		}
		if err := flags.Set(key, value); err != nil {
			return fmt.Errorf("config %s: key %q: %w", path, key, err)
		}
	}
	return nil
}

func configValue(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case int64, float64, bool:
		return fmt.Sprint(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := configValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", raw)
	}
}
