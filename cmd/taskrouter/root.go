package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskrouter/internal/config"
	"github.com/aristath/taskrouter/internal/persistence"
	"github.com/aristath/taskrouter/internal/workflow"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	globalPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "taskrouter",
		Short: "Task routing and workflow orchestration engine",
		Long: `taskrouter classifies incoming tasks, routes them to the best available
agents and executes them as durable, event-sourced workflows.

Configuration is read from ~/.taskrouter/config.yaml and overlaid with
.taskrouter/config.yaml in the working directory. JSON files are accepted too.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "project config file (default .taskrouter/config.yaml)")
	pf.StringVar(&opts.globalPath, "global-config", "", "global config file (default ~/.taskrouter/config.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "override the configured log format (text, json)")

	cmd.AddCommand(
		newRunCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newEventsCmd(opts),
		newReplayCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// paths resolves the config files, flags taking precedence over the
// conventional locations.
func (o *rootOptions) paths() (global, project string, err error) {
	if o.globalPath == "" || o.configPath == "" {
		global, project, err = config.DefaultPaths()
		if err != nil {
			return "", "", err
		}
	}
	if o.globalPath != "" {
		global = o.globalPath
	}
	if o.configPath != "" {
		project = o.configPath
	}
	return global, project, nil
}

func (o *rootOptions) load() (cfg *config.Config, global, project string, err error) {
	global, project, err = o.paths()
	if err != nil {
		return nil, "", "", err
	}
	cfg, err = config.Load(global, project)
	if err != nil {
		return nil, "", "", err
	}
	return cfg, global, project, nil
}

func (o *rootOptions) logger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, format := cfg.Log.Level, cfg.Log.Format
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.logFormat != "" {
		format = o.logFormat
	}
	return newLogger(level, format, w)
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// openMachine opens the configured store read-write for the inspection
// commands, which need no agents or workers.
func openMachine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*workflow.Machine, *persistence.SQLiteStore, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path,
		persistence.WithWriteTimeout(cfg.Store.WriteTimeout.Std()))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return workflow.New(store, logger), store, nil
}
