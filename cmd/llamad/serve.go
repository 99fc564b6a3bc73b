package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"llamad/internal/config"
	"llamad/internal/httpapi"
	"llamad/internal/supervisor"
)

const shutdownTimeout = 15 * time.Second

// addServeFlags registers the flags read by applyServeFlags.
func addServeFlags(f *pflag.FlagSet) {
	f.String("addr", "", "HTTP listen address of the control API (defaults LLAMAD_ADDR or "+config.DefaultAddr+")")
	f.String("host", "", "Host llama-server binds to")
	f.Int("port", 0, "First port to try for llama-server")
	f.String("models-dir", "", "Models directory served in router mode (defaults LLAMAD_MODELS_DIR)")
	f.String("model", "", "Single model file; overrides --models-dir")
	f.String("llama-bin", "", "Path to llama-server (defaults LLAMA_SERVER_PATH or discovery)")
	f.Int("ctx-size", 0, "Context size passed to llama-server")
	f.Int("threads", 0, "Threads passed to llama-server")
	f.Int("models-max", 0, "Maximum models loaded at once in router mode")
	f.Int("max-retries", 0, "Restarts allowed after a crash before giving up")
	f.Duration("health-timeout", 0, "How long to wait for llama-server to become healthy")
	f.Bool("no-reclaim", false, "Do not sweep the port range for leftover servers on stop")
	f.Bool("auto-start", false, "Start llama-server immediately")
	f.String("cors-origins", "", "Comma-separated origins allowed by CORS (disabled when empty)")
}

func newServeCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and supervise llama-server",
		Example: "  llamad serve --models-dir ~/models/llm --auto-start\n" +
			"  llamad --config llamad.yaml",
		Args: cobra.NoArgs,
	}
	addServeFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(g, cmd.Flags(), os.Getenv)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc := supervisor.NewService(cfg.ServerConfig(), cfg.Options(), supervisor.Dependencies{
			Log:       &log,
			Publisher: supervisor.LogPublisher{Log: log.With().Str("component", "events").Logger()},
		})
		unobserve := httpapi.ObserveSupervisor(svc)
		defer unobserve()

		api := httpapi.NewMux(svc, httpapi.Options{
			Log:         &log,
			BaseContext: ctx,
			ModelsDir:   cfg.ModelsDir,
			CORSOrigins: cfg.CORSOrigins,
		})
		srv := &http.Server{Addr: cfg.Addr, Handler: api, ReadHeaderTimeout: 10 * time.Second}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("llamad listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		if cfg.AutoStart {
			eg.Go(func() error {
				if err := svc.Start(egCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("auto-start failed")
				}
				return nil
			})
		}
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown error")
			}
			svc.Stop(shutdownCtx)
			return nil
		})

		err = eg.Wait()
		svc.Wait()
		api.Wait()
		log.Info().Msg("llamad stopped")
		return err
	}
	return cmd
}
