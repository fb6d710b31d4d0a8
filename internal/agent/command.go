package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CommandSpec is the CLI invocation configured for one agent.
// Args may reference {task}, {stage}, {agent}, {branch} and {workdir}.
type CommandSpec struct {
	Command string
	Args    []string
}

// CommandRunner runs each agent as an external CLI inside the task workspace.
type CommandRunner struct {
	commands map[string]CommandSpec
	procMgr  *ProcessManager
}

// commandReport is the optional JSON document an agent may print on stdout.
// Example: {"output": "done", "usage": 12.5}
type commandReport struct {
	Output string   `json:"output"`
	Usage  *float64 `json:"usage"`
}

// NewCommandRunner creates a runner for the given agent commands.
// The ProcessManager is optional; if nil, subprocesses won't be tracked.
func NewCommandRunner(commands map[string]CommandSpec, procMgr *ProcessManager) *CommandRunner {
	cp := make(map[string]CommandSpec, len(commands))
	for name, spec := range commands {
		cp[name] = spec
	}
	return &CommandRunner{commands: cp, procMgr: procMgr}
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, req Request) (Result, error) {
	spec, ok := r.commands[req.Agent]
	if !ok || spec.Command == "" {
		return Result{}, fmt.Errorf("no command configured for agent %q", req.Agent)
	}

	replacer := strings.NewReplacer(
		"{task}", req.TaskID,
		"{stage}", req.Stage,
		"{agent}", req.Agent,
		"{branch}", req.BranchName,
		"{workdir}", req.WorkDir,
	)
	args := make([]string, len(spec.Args))
	for i, arg := range spec.Args {
		args[i] = replacer.Replace(arg)
	}

	cmd := newCommand(ctx, spec.Command, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = append(os.Environ(),
		"APEX_TASK_ID="+req.TaskID,
		"APEX_STAGE="+req.Stage,
		"APEX_AGENT="+req.Agent,
		"APEX_BRANCH="+req.BranchName,
	)

	stdout, _, err := executeCommand(cmd, r.procMgr)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("agent %s: %w", req.Agent, ctx.Err())
		}
		return Result{}, fmt.Errorf("agent %s: %w", req.Agent, err)
	}

	return parseOutput(stdout), nil
}

// parseOutput accepts either a JSON report or plain text. Plain text reports
// no usage.
func parseOutput(stdout []byte) Result {
	trimmed := strings.TrimSpace(string(stdout))
	if strings.HasPrefix(trimmed, "{") {
		var report commandReport
		if err := json.Unmarshal([]byte(trimmed), &report); err == nil && report.Usage != nil {
			return Result{Output: report.Output, Usage: *report.Usage}
		}
	}
	return Result{Output: trimmed}
}
