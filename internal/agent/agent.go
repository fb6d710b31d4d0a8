// Package agent runs the work behind a workflow stage.
package agent

import (
	"context"
)

// Request describes one stage execution handed to an agent.
type Request struct {
	TaskID     string
	Stage      string
	Agent      string
	WorkDir    string // Task workspace; empty when the task runs without isolation
	BranchName string
}

// Result is what an agent reports back after a stage.
type Result struct {
	Output string
	Usage  float64 // Resource units consumed, charged against the daily budget
}

// Runner executes agent work for a stage. Implementations must return
// promptly once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
