// Package main provides patcher, a command-line front end to the patch
// engine. It translates guest code with a TOML rule file, prints listings of
// the generated code and inspects the persistent block store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/isseis/go-patch-engine/internal/bootstrap"
	"github.com/isseis/go-patch-engine/internal/terminal"
)

// Environment variables consulted when the matching flag is not set.
const (
	envRules    = "PATCHER_RULES"
	envLogLevel = "PATCHER_LOG_LEVEL"
	envStore    = "PATCHER_STORE"
)

// ErrConflictingFlags is returned when mutually exclusive flags are combined.
var ErrConflictingFlags = errors.New("conflicting flags")

type globalOptions struct {
	rulesPath   string
	logLevel    string
	logDir      string
	envFile     string
	storePath   string
	interactive bool
	quiet       bool
	color       bool
	noColor     bool
}

type app struct {
	opts   globalOptions
	env    map[string]string
	stdout io.Writer
	stderr io.Writer
	logger *bootstrap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := a.execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// execute runs the command line args. The logger is closed whether or not
// the command succeeds; cobra skips post-run hooks after a failure.
func (a *app) execute(ctx context.Context, args []string) (err error) {
	root := a.rootCmd()
	root.SetArgs(args)
	defer func() {
		if a.logger != nil {
			err = errors.Join(err, a.logger.Close())
		}
	}()
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "patcher",
		Short:         "Rewrite guest code with instrumentation rules",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	f := root.PersistentFlags()
	f.StringVar(&a.opts.rulesPath, "rules", "", "path to the TOML rule file (env "+envRules+")")
	f.StringVar(&a.opts.logLevel, "log-level", "", "log level: debug, info, warn, error (env "+envLogLevel+", default info)")
	f.StringVar(&a.opts.logDir, "log-dir", "", "directory for the per-run JSON log")
	f.StringVar(&a.opts.envFile, "env-file", "", "file of KEY=VALUE defaults for PATCHER_* variables")
	f.StringVar(&a.opts.storePath, "store", "", "block store directory (env "+envStore+")")
	f.BoolVar(&a.opts.interactive, "interactive", false, "force interactive console output")
	f.BoolVar(&a.opts.quiet, "quiet", false, "force plain console output")
	f.BoolVar(&a.opts.color, "color", false, "force colored output")
	f.BoolVar(&a.opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newRewriteCmd(a), newRulesCmd(a), newStoreCmd(a))
	return root
}

// setup resolves settings from flags, the env file and the environment, in
// that order, then initializes logging.
func (a *app) setup(cmd *cobra.Command) error {
	if a.opts.interactive && a.opts.quiet {
		return fmt.Errorf("%w: --interactive and --quiet", ErrConflictingFlags)
	}
	if a.opts.color && a.opts.noColor {
		return fmt.Errorf("%w: --color and --no-color", ErrConflictingFlags)
	}

	if a.opts.envFile != "" {
		env, err := godotenv.Read(a.opts.envFile)
		if err != nil {
			return fmt.Errorf("failed to read env file: %w", err)
		}
		a.env = env
	}
	a.opts.rulesPath = a.lookup(a.opts.rulesPath, envRules)
	a.opts.storePath = a.lookup(a.opts.storePath, envStore)
	levelName := a.lookup(a.opts.logLevel, envLogLevel)
	if levelName == "" {
		levelName = "info"
	}
	level, err := bootstrap.ParseLevel(levelName)
	if err != nil {
		return err
	}

	a.logger, err = bootstrap.SetupLogger(bootstrap.LoggerConfig{
		Level:   level,
		LogDir:  a.opts.logDir,
		Console: a.stderr,
		Terminal: terminal.Options{
			ForceInteractive:    a.opts.interactive,
			ForceNonInteractive: a.opts.quiet,
			ForceColor:          a.opts.color,
			DisableColor:        a.opts.noColor,
		},
	})
	if err != nil {
		return err
	}
	a.logger.Debug("Command started", "command", cmd.CommandPath())
	return nil
}

// lookup returns flag when set, then the env file value, then the process
// environment.
func (a *app) lookup(flag, key string) string {
	if flag != "" {
		return flag
	}
	if v, ok := a.env[key]; ok {
		return v
	}
	return os.Getenv(key)
}

func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Logger
}

func (a *app) useColor() bool {
	return a.logger != nil && a.logger.Capabilities.SupportsColor()
}
