package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taskrouter/internal/executor"
	"github.com/aristath/taskrouter/internal/orchestrator"
	"github.com/aristath/taskrouter/internal/task"
)

// taskFile is the on-disk form of a submission. JSON files parse as YAML.
type taskFile struct {
	ID                string         `yaml:"id"`
	Title             string         `yaml:"title"`
	Priority          string         `yaml:"priority"`
	RequiresConsensus bool           `yaml:"requires_consensus"`
	Payload           map[string]any `yaml:"payload"`
	Steps             []task.Step    `yaml:"steps"`
}

func readTaskFile(r io.Reader) (orchestrator.Submission, error) {
	var f taskFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return orchestrator.Submission{}, fmt.Errorf("parse task file: %w", err)
	}

	s := orchestrator.Submission{
		ID:                f.ID,
		Title:             f.Title,
		Priority:          f.Priority,
		RequiresConsensus: f.RequiresConsensus,
		Steps:             f.Steps,
	}
	if f.Payload != nil {
		raw, err := json.Marshal(f.Payload)
		if err != nil {
			return s, fmt.Errorf("encode payload: %w", err)
		}
		s.Payload = raw
	}
	return s, nil
}

type submitOptions struct {
	file      string
	id        string
	title     string
	priority  string
	payload   string
	consensus bool
	wait      bool
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Long: `Submit a task from a YAML or JSON file (--file, "-" for stdin) or from flags.

Without --wait the workflow is persisted as PENDING and picked up by the next
"taskrouter run". With --wait it is routed and executed in this process and
the outcome is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts, so)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&so.file, "file", "f", "", "task file (YAML or JSON)")
	f.StringVar(&so.id, "id", "", "workflow id (default: generated)")
	f.StringVar(&so.title, "title", "", "task title")
	f.StringVar(&so.priority, "priority", "", "low, normal, high or critical")
	f.StringVar(&so.payload, "payload", "", "JSON object payload")
	f.BoolVar(&so.consensus, "consensus", false, "require agreement between several agents")
	f.BoolVar(&so.wait, "wait", false, "execute now and print the outcome")
	return cmd
}

func (so *submitOptions) submission(stdin io.Reader) (orchestrator.Submission, error) {
	var s orchestrator.Submission
	switch so.file {
	case "":
	case "-":
		var err error
		if s, err = readTaskFile(stdin); err != nil {
			return s, err
		}
	default:
		fh, err := os.Open(so.file)
		if err != nil {
			return s, err
		}
		defer fh.Close()
		if s, err = readTaskFile(fh); err != nil {
			return s, err
		}
	}

	if so.id != "" {
		s.ID = so.id
	}
	if so.title != "" {
		s.Title = so.title
	}
	if so.priority != "" {
		s.Priority = so.priority
	}
	if so.payload != "" {
		s.Payload = json.RawMessage(so.payload)
	}
	if so.consensus {
		s.RequiresConsensus = true
	}
	if s.Title == "" && len(s.Payload) == 0 {
		return s, errors.New("a task needs a title or a payload")
	}
	return s, nil
}

// outcomeView is the printed form of an Outcome.
type outcomeView struct {
	WorkflowID   string                 `json:"workflow_id"`
	Status       task.Status            `json:"status"`
	Strategy     task.Strategy          `json:"strategy,omitempty"`
	Agents       []string               `json:"agents,omitempty"`
	Output       map[string]any         `json:"output,omitempty"`
	Candidates   []executor.AgentOutput `json:"candidates,omitempty"`
	Conflicts    []string               `json:"conflicts,omitempty"`
	Kind         task.Kind              `json:"error_kind,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Compensated  bool                   `json:"compensated,omitempty"`
	PartialState bool                   `json:"partial_state,omitempty"`
}

func viewOutcome(o orchestrator.Outcome) outcomeView {
	v := outcomeView{
		WorkflowID:   o.WorkflowID,
		Status:       o.Status,
		Output:       o.Output,
		Candidates:   o.Candidates,
		Conflicts:    o.Conflicts,
		Kind:         o.Kind,
		Compensated:  o.Compensated,
		PartialState: o.PartialState,
	}
	if o.Decision != nil {
		v.Strategy = o.Decision.Strategy
		v.Agents = o.Decision.TargetAgents
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

func runSubmit(cmd *cobra.Command, opts *rootOptions, so *submitOptions) error {
	s, err := so.submission(cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, _, _, err := opts.load()
	if err != nil {
		return err
	}
	logger, err := opts.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := orchestrator.Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	rc, err := rt.Engine.Submit(ctx, s)
	if err != nil {
		return err
	}
	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")

	if !so.wait {
		return out.Encode(rc)
	}
	o, err := rt.Engine.Process(ctx, rc.WorkflowID)
	if err != nil {
		return err
	}
	return out.Encode(viewOutcome(o))
}
