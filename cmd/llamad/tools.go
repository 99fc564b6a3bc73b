package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"llamad/internal/supervisor"
)

func newReclaimCmd(g *globalFlags) *cobra.Command {
	var (
		port   int
		strays bool
		name   string
	)
	cmd := &cobra.Command{
		Use:     "reclaim",
		Short:   "Kill llama-server processes left listening on the port range",
		Example: "  llamad reclaim --port 8080\n  llamad reclaim --strays",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g, nil, os.Getenv)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") {
				port = cfg.Port
			}
			r := supervisor.NewReclaimer(log)
			killed := 0
			supervisor.StopLlamaServer(cmd.Context(), nil, port, log, nil, func(ctx context.Context, p int) bool {
				if r.KillLlamaOnPort(ctx, p) {
					killed++
					fmt.Fprintf(cmd.OutOrStdout(), "reclaimed port %d\n", p)
					return true
				}
				return false
			})
			if strays {
				n := r.KillStrayServers(cmd.Context(), name)
				fmt.Fprintf(cmd.OutOrStdout(), "killed %d stray %s process(es)\n", n, name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d port(s) in %d-%d\n", killed, port, port+10)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", supervisor.DefaultPort, "First port of the 11-port sweep")
	cmd.Flags().BoolVar(&strays, "strays", false, "Also kill every process named like the server binary")
	cmd.Flags().StringVar(&name, "name", supervisor.BinaryName, "Process name matched by --strays")
	return cmd
}

func newLocateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Print the llama-server binary that would be launched",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g, nil, os.Getenv)
			if err != nil {
				return err
			}
			bin := cfg.BinaryPath
			if bin == "" {
				bin = supervisor.FindLlamaServer()
			}
			if bin == "" {
				return fmt.Errorf("%s not found; set %s or install it on PATH", supervisor.BinaryName, supervisor.EnvServerPath)
			}
			fmt.Fprintln(cmd.OutOrStdout(), bin)
			return nil
		},
	}
}

func newDetectCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Find a healthy llama-server on well-known ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g, nil, os.Getenv)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			probe := supervisor.NewHealthChecker(&http.Client{}, 0, supervisor.RealClock())
			port, ok := supervisor.DetectServer(ctx, probe, cfg.Host, cfg.Port, supervisor.DefaultDetectPorts)
			if !ok {
				return fmt.Errorf("no healthy llama-server found on %s", cfg.Host)
			}
			sc := cfg.ServerConfig()
			sc.Port = port
			fmt.Fprintln(cmd.OutOrStdout(), sc.BaseURL())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall detection timeout")
	return cmd
}
