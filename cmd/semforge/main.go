// Package main provides the semforge binary entry point.
// Semforge runs multi-step LLM generation tasks on a priority command
// dispatcher, validating every step before moving on.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/semforge/llm/providers"

	"github.com/c360studio/semforge/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semforge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-step LLM generation engine",
		Long: `Semforge executes multi-step generation tasks against configured models.

Each step's output is validated (length, coverage, checker agent) and retried
with feedback before falling back to an alternative model. Executions run as
commands on a bounded worker pool and can be paused, resumed and cancelled.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&flags), runCmd(&flags), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var agentsPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, metrics endpoint and NATS request API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel)
			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if agentsPath != "" {
				n, err := LoadAgents(ctx, app.Store(), agentsPath)
				if err != nil {
					return err
				}
				logger.Info("Agents loaded", "path", agentsPath, "count", n)
			}

			slog.Info("Semforge ready", "version", Version, "backend", cfg.Storage.Backend)
			return app.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&agentsPath, "agents", "", "YAML file of agents to register")
	return cmd
}

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		opts       RunOptions
		agentsPath string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "run STEPS_FILE",
		Short: "Execute a step template file and print the merged output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel)
			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Nothing to scrape for a one-shot run.
			cfg.Metrics.Addr = ""

			steps, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read steps file: %w", err)
			}
			opts.StepPrompt = string(steps)

			if opts.ContextFile != "" {
				data, err := os.ReadFile(opts.ContextFile)
				if err != nil {
					return fmt.Errorf("read context file: %w", err)
				}
				opts.InitialContext = string(data)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if agentsPath != "" {
				if _, err := LoadAgents(ctx, app.Store(), agentsPath); err != nil {
					return err
				}
			} else if err := app.SeedAgents(ctx, opts.TaskType, opts.Model); err != nil {
				return err
			}

			res, err := app.RunSteps(ctx, opts)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(res.Result), 0644); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
				logger.Info("Output written", "path", outPath, "execution_id", res.ID)
				return nil
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Result)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.TaskType, "task-type", "t", "general", "Task type code")
	cmd.Flags().StringVar(&opts.EntityID, "entity", "", "Entity the execution belongs to (restarts any active one)")
	cmd.Flags().StringVar(&opts.ContextFile, "context", "", "File with the initial context")
	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "Model for the seeded agents (default: resolved by capability)")
	cmd.Flags().StringToStringVar(&opts.Config, "set", nil, "Execution config override (key=value, repeatable)")
	cmd.Flags().StringVar(&agentsPath, "agents", "", "YAML file of agents to register instead of seeding defaults")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the merged output to a file instead of stdout")
	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
