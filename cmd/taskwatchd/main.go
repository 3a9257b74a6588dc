package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/kylerisse/taskwatch/pkg/check/dns"
	"github.com/kylerisse/taskwatch/pkg/check/gearmand"
	"github.com/kylerisse/taskwatch/pkg/config"
	"github.com/kylerisse/taskwatch/pkg/sender"
	"github.com/kylerisse/taskwatch/pkg/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "taskwatchd",
		Short: "Polls job servers and resolvers and serves their health over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "taskwatch.yaml", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text or json)")

	cmd.AddCommand(newCheckCommand(opts))
	return cmd
}

// newCheckCommand runs every enabled instance once and prints what it
// reported, without starting the API server.
func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check [instance...]",
		Short: "Run configured checks once and print their samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
}

func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)

	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

func newRegistry() (*check.Registry, error) {
	reg := check.NewRegistry()
	err := multierr.Combine(
		reg.Register(gearmand.TypeName, gearmand.Factory),
		reg.Register(dns.TypeName, dns.Factory),
	)
	return reg, err
}

func setup(opts *options) (*config.Config, *check.Registry, *logrus.Logger, error) {
	logger, err := newLogger(opts.logLevel, opts.logFormat)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := newRegistry()
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, reg, logger, nil
}

func runDaemon(ctx context.Context, opts *options) error {
	cfg, reg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, reg, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return multierr.Append(err, srv.Stop(context.Background()))
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped.")
	return nil
}

func runOnce(ctx context.Context, opts *options, names []string, out io.Writer) error {
	cfg, reg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var errs error
	for _, inst := range cfg.EnabledInstances() {
		if len(wanted) > 0 && !wanted[inst.Name] {
			continue
		}
		delete(wanted, inst.Name)
		errs = multierr.Append(errs, runInstance(ctx, reg, logger, inst, out))
	}
	for n := range wanted {
		errs = multierr.Append(errs, fmt.Errorf("no enabled instance named %q", n))
	}
	return errs
}

func runInstance(ctx context.Context, reg *check.Registry, logger *logrus.Logger, inst config.Instance, out io.Writer) error {
	ilog := logger.WithFields(logrus.Fields{"check": inst.Type, "instance": inst.Name})
	chk, err := reg.Create(inst.Type, inst.Config, ilog)
	if err != nil {
		return fmt.Errorf("instance %q: %w", inst.Name, err)
	}
	if c, ok := chk.(io.Closer); ok {
		defer c.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, inst.Interval)
	defer cancel()

	rec := sender.NewRecorder()
	runErr := chk.Run(ctx, rec)

	fmt.Fprintf(out, "%s (%s)\n", inst.Name, inst.Type)
	for _, s := range rec.Samples() {
		switch s.Kind {
		case sender.KindServiceCheck:
			fmt.Fprintf(out, "  %s %s %s [%s]\n", s.Name, s.Status, s.Message, strings.Join(s.Tags, ","))
		default:
			fmt.Fprintf(out, "  %s %g [%s]\n", s.Name, s.Value, strings.Join(s.Tags, ","))
		}
	}
	md := rec.Metadata()
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  metadata %s=%s\n", k, md[k])
	}
	if w, ok := chk.(check.Warner); ok {
		for _, warning := range w.Warnings() {
			fmt.Fprintf(out, "  warning: %s\n", warning)
		}
	}

	if runErr != nil {
		return fmt.Errorf("instance %q: %w", inst.Name, runErr)
	}
	return nil
}
