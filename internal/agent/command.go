package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/taskrouter/internal/resilience"
)

// ExitTempFail is the exit status (EX_TEMPFAIL) a command agent uses to
// report a transient failure.
const ExitTempFail = 75

// Request actions sent to command agents.
const (
	ActionInvoke     = "invoke"
	ActionCompensate = "compensate"
)

// CommandConfig describes an agent implemented as an external program.
type CommandConfig struct {
	Path       string   `json:"path" yaml:"path"`
	Args       []string `json:"args,omitempty" yaml:"args,omitempty"`
	Dir        string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env        []string `json:"env,omitempty" yaml:"env,omitempty"`
	Reversible bool     `json:"reversible,omitempty" yaml:"reversible,omitempty"`
}

type commandRequest struct {
	Action string `json:"action"`
	Input  Input  `json:"input"`
	Output Output `json:"output,omitempty"`
}

// Command runs an external program per call. The request is written to the
// program's stdin as JSON and its stdout must be a JSON object. Exit status
// ExitTempFail marks the failure as transient; any other non-zero status is
// permanent.
type Command struct {
	cfg CommandConfig
	pm  *ProcessManager
}

// NewCommand creates a command agent. pm may be nil.
func NewCommand(cfg CommandConfig, pm *ProcessManager) (*Command, error) {
	if cfg.Path == "" {
		return nil, errors.New("command agent: path is required")
	}
	return &Command{cfg: cfg, pm: pm}, nil
}

// Invoke implements Agent.
func (c *Command) Invoke(ctx context.Context, in Input) (Output, error) {
	return c.run(ctx, commandRequest{Action: ActionInvoke, Input: in})
}

// Compensate implements Reversible. Programs not configured as reversible
// treat compensation as a no-op.
func (c *Command) Compensate(ctx context.Context, in Input, out Output) error {
	if !c.cfg.Reversible {
		return nil
	}
	_, err := c.run(ctx, commandRequest{Action: ActionCompensate, Input: in, Output: out})
	return err
}

// CanCompensate reports whether the program was configured as reversible.
func (c *Command) CanCompensate() bool { return c.cfg.Reversible }

func (c *Command) run(ctx context.Context, req commandRequest) (Output, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("encode request: %w", err))
	}

	cmd := newCommand(ctx, c.cfg.Path, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.cfg.Env...)
	}

	stdout, _, err := runCommand(cmd, body, c.pm)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.cfg.Path, ctx.Err())
		}
		if exitCode(err) == ExitTempFail {
			return nil, resilience.Transient(err)
		}
		return nil, resilience.Permanent(err)
	}

	if req.Action == ActionCompensate {
		return nil, nil
	}
	out, err := DecodeOutput(stdout)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	return out, nil
}
