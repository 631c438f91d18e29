// Package cmd defines the dumpany command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/api"
	"github.com/pearswick/dumpany/internal/app"
	"github.com/pearswick/dumpany/internal/config"
	"github.com/pearswick/dumpany/internal/filing"
	"github.com/pearswick/dumpany/internal/logging"
	"github.com/pearswick/dumpany/internal/retrieval"
)

// needsApp marks commands that load config and build services before running.
const needsApp = "dumpany/needs-app"

// CompanyLookup resolves company profiles.
type CompanyLookup interface {
	Company(ctx context.Context, number string) (filing.Company, error)
}

// Runner retrieves documents for a list of companies.
type Runner interface {
	RunAll(ctx context.Context, numbers []string, debug bool, onSummary func(retrieval.Summary)) error
}

// App is what commands need from the service container. Tests swap in fakes.
type App interface {
	Logger() *zap.Logger
	Lookup() CompanyLookup
	Runner() Runner
	Tracker() *api.RunTracker
	OutputDir() string
	StartStatusServer(ctx context.Context)
	Close(ctx context.Context) error
}

type rootOptions struct {
	configFile string
	envFiles   []string
	debug      bool
}

// containerApp adapts *app.App to App.
type containerApp struct {
	*app.App
}

func (c containerApp) Lookup() CompanyLookup { return c.Registry() }
func (c containerApp) Runner() Runner        { return c.Orchestrator() }

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, opts rootOptions, stdout io.Writer) (App, error) {
	cfg, err := config.Load(opts.configFile, opts.envFiles...)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if opts.debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       level,
		JSON:        cfg.Logging.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger, app.Options{Stdout: stdout})
	if err != nil {
		return nil, err
	}
	return containerApp{a}, nil
}

// session holds the App built for the running command so it can be closed
// after Execute returns, whether or not the command failed.
type session struct {
	opts rootOptions
	app  App
}

func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dumpany",
		Short: "Download every filing document of UK companies.",
		Long: `dumpany lists a company's filing history on Companies House and
downloads every available PDF into a directory named after the company,
staying inside the registry's request-rate limits.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[needsApp] == "" {
				return nil
			}
			a, err := newApp(cmd.Context(), s.opts, cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			s.app = a
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&s.opts.configFile, "config", "", "YAML config file")
	cmd.PersistentFlags().StringSliceVar(&s.opts.envFiles, "env-file", nil, "dotenv file(s) to load (default .env)")
	cmd.PersistentFlags().BoolVar(&s.opts.debug, "debug", false, "log every registry request and response")

	cmd.AddCommand(newFetchCmd(s))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	s := &session{}
	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if s.app != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if cerr := s.app.Close(closeCtx); cerr != nil {
			s.app.Logger().Warn("shutdown incomplete", zap.Error(cerr))
		}
		cancel()
		_ = s.app.Logger().Sync()
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintln(stderr, "Interrupted.")
		return 130
	}
	_, _ = fmt.Fprintf(stderr, "Error: %s\n", strings.TrimSpace(err.Error()))
	return 1
}

// Execute runs the CLI with process arguments and exits. SIGINT and SIGTERM
// cancel the run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
