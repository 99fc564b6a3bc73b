package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"llamad/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "llamad",
		Short:         "Supervise a local llama-server: start, restart on crash, model control, shutdown",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error (defaults LLAMAD_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: console|json")

	serve := newServeCmd(g)
	root.AddCommand(serve, newReclaimCmd(g), newLocateCmd(g), newDetectCmd(g))
	// plain `llamad` behaves like `llamad serve`
	addServeFlags(root.Flags())
	root.Args = cobra.NoArgs
	root.RunE = serve.RunE
	return root
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were set explicitly, in that order.
func loadConfig(g *globalFlags, flags *pflag.FlagSet, getenv func(string) string) (config.Config, error) {
	cfg := config.Defaults()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(getenv)
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	if err := applyServeFlags(&cfg, flags); err != nil {
		return cfg, err
	}
	if err := cfg.ExpandPaths(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyServeFlags copies flags the user set onto cfg. Unknown names are ignored
// so subcommands without the serve flags can share it.
func applyServeFlags(cfg *config.Config, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		v := f.Value.String()
		switch f.Name {
		case "addr":
			cfg.Addr = v
		case "host":
			cfg.Host = v
		case "port":
			cfg.Port, err = flags.GetInt("port")
		case "models-dir":
			cfg.ModelsDir = v
		case "model":
			cfg.ModelPath = v
		case "llama-bin":
			cfg.BinaryPath = v
		case "ctx-size":
			cfg.CtxSize, err = flags.GetInt("ctx-size")
		case "threads":
			cfg.Threads, err = flags.GetInt("threads")
		case "models-max":
			cfg.ModelsMax, err = flags.GetInt("models-max")
		case "max-retries":
			var n int
			if n, err = flags.GetInt("max-retries"); err == nil {
				cfg.MaxRetries = &n
			}
		case "health-timeout":
			var d time.Duration
			if d, err = flags.GetDuration("health-timeout"); err == nil {
				cfg.HealthTimeout = config.Duration{Duration: d}
			}
		case "no-reclaim":
			cfg.SkipPortSweep = v == "true"
		case "auto-start":
			cfg.AutoStart = v == "true"
		case "cors-origins":
			cfg.CORSOrigins = splitCSV(v)
		}
	})
	return err
}

// newLogger builds the root logger. Console output goes to w unless the
// format is json.
func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	if !strings.EqualFold(format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
