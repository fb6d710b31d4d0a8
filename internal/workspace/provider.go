// Package workspace provisions isolated working directories for tasks.
package workspace

import (
	"context"

	"github.com/aristath/apex/internal/domain"
)

// Workspace describes an isolated working copy assigned to a task.
type Workspace struct {
	BranchName string
	Path       string
}

// Provider provisions and removes task workspaces.
type Provider interface {
	// Provision creates a workspace for the task.
	Provision(ctx context.Context, task *domain.Task) (Workspace, error)

	// Cleanup removes the task's workspace. Calling it for a task whose
	// workspace is already gone returns nil.
	Cleanup(ctx context.Context, task *domain.Task) error
}

// None is a Provider that never isolates tasks. Provision returns an empty
// workspace and Cleanup does nothing.
type None struct{}

// Provision implements Provider.
func (None) Provision(context.Context, *domain.Task) (Workspace, error) {
	return Workspace{}, nil
}

// Cleanup implements Provider.
func (None) Cleanup(context.Context, *domain.Task) error {
	return nil
}
