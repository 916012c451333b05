package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskrouter/internal/orchestrator"
	"github.com/aristath/taskrouter/internal/workflow"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show the progress of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := opts.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rt, err := orchestrator.Build(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(report)
		},
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <workflow-id>",
		Short: "List the event log of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := opts.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m, store, err := openMachine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			evs, err := m.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tEVENT\tSTATE\tPHASE\tAGENT\tREASON")
			for _, ev := range evs {
				state := ""
				if ev.FromState != ev.ToState {
					state = fmt.Sprintf("%s -> %s", ev.FromState, ev.ToState)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.ID,
					ev.CreatedAt.Format(time.RFC3339),
					ev.EventType,
					state,
					ev.ToPhase,
					ev.AgentName,
					ev.Reason)
			}
			return tw.Flush()
		},
	}
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <workflow-id>",
		Short: "Rebuild a workflow from its event log and compare with the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := opts.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m, store, err := openMachine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := m.Verify(cmd.Context(), args[0])
			if errors.Is(err, workflow.ErrDiverged) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: DIVERGED\n", args[0])
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%s, version %d)\n", st.WorkflowID, st.Status, st.Version)
			return nil
		},
	}
}
