// Package cli turns command-line flags, BOTKERNEL_* environment variables and
// an optional YAML config file into an app.Config.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/specialistvlad/botkernel/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the CLI reads.
const EnvPrefix = "BOTKERNEL"

const defaultConfigName = "botkernel"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
// Flags win over environment variables, which win over the config file.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	v := viper.New()

	var (
		cfg     *app.Config
		cfgFile string
	)
	cmd := &cobra.Command{
		Use:   "botkernel",
		Short: "Botkernel - a pluggable chat bot runtime.",
		Long: `Botkernel loads system and user modules described by module.hcl
manifests, connects to a chat platform and routes updates to them.

Every flag can also be set through a BOTKERNEL_<FLAG> environment variable
(dashes become underscores) or a key of the YAML config file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := readConfigFile(v, cfgFile); err != nil {
				return err
			}
			c, err := buildConfig(v)
			if err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}
	cmd.SetArgs(args)
	cmd.SetOut(output)
	cmd.SetErr(output)

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Path to a YAML config file (default ./botkernel.yaml when present).")
	flags.String("token", "", "Platform token. Required for the socketio platform.")
	flags.String("platform", app.PlatformLocal, "Chat platform. Options: 'local' or 'socketio'.")
	flags.String("gateway-url", "", "Socket.IO gateway URL.")
	flags.String("namespace", "/", "Socket.IO namespace.")
	flags.String("modules-path", "modules", "Path to the directory containing module manifests.")
	flags.String("database-url", "", "Database URL. Defaults to sqlite under the data directory.")
	flags.String("data-dir", "data", "Directory for local state such as the sqlite database and backups.")
	flags.StringSlice("admins", nil, "Comma-separated administrator user IDs.")
	flags.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	flags.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	flags.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	flags.Bool("watch-modules", false, "Reload a module when its module.hcl changes.")
	flags.String("trace-exporter", "none", "Span exporter. Options: 'none', 'stdout' or 'otlp'.")
	flags.String("otlp-endpoint", "", "OTLP collector address for the otlp exporter.")
	flags.Int("event-history", 0, "Number of events kept in the bus history. 0 keeps the default.")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		_ = v.BindPFlag(configKey(f.Name), f)
	})
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := cmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return nil, false, exitErr
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if cfg == nil {
		// Help or version output was printed instead of running.
		return nil, true, nil
	}

	slog.Debug("CLI parser finished successfully.", "platform", cfg.Platform, "modules_path", cfg.ModulesPath)
	return cfg, false, nil
}

// configKey maps a flag name to its config file and environment key.
func configKey(flag string) string {
	return strings.ReplaceAll(flag, "-", "_")
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return &ExitError{Code: 2, Message: fmt.Sprintf("failed to read config file: %v", err)}
	}
	slog.Debug("Config file loaded.", "path", v.ConfigFileUsed())
	return nil
}

func buildConfig(v *viper.Viper) (*app.Config, error) {
	logFormat := strings.ToLower(v.GetString("log_format"))
	if logFormat != "text" && logFormat != "json" {
		return nil, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(v.GetString("log_level"))
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	admins, err := parseAdmins(v.GetStringSlice("admins"))
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}

	cfg, err := app.NewConfig(app.Config{
		Token:           v.GetString("token"),
		Platform:        strings.ToLower(v.GetString("platform")),
		GatewayURL:      v.GetString("gateway_url"),
		Namespace:       v.GetString("namespace"),
		ModulesPath:     v.GetString("modules_path"),
		DatabaseURL:     v.GetString("database_url"),
		DataDir:         v.GetString("data_dir"),
		Admins:          admins,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		HealthcheckPort: v.GetInt("healthcheck_port"),
		WatchModules:    v.GetBool("watch_modules"),
		TraceExporter:   strings.ToLower(v.GetString("trace_exporter")),
		OTLPEndpoint:    v.GetString("otlp_endpoint"),
		EventHistory:    v.GetInt("event_history"),
	})
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, nil
}

// parseAdmins accepts IDs as list items, comma-separated strings or both.
func parseAdmins(raw []string) ([]int64, error) {
	var ids []int64
	for _, item := range raw {
		for _, field := range strings.Split(item, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid admin id %q", field)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
