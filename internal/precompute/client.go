// Package precompute talks to the remote compute service that runs
// background aggregation tasks for panels.
package precompute

import (
	"context"
	"errors"
	"fmt"

	"jia/internal/domain"
)

// Client starts and stops precompute tasks.
type Client interface {
	// Enable registers a task for the panel's data source and returns its id.
	Enable(ctx context.Context, panel domain.Panel) (string, error)
	// Disable stops the task referenced by the panel's task id. It returns
	// ErrUnknownTask when no such task is running.
	Disable(ctx context.Context, panel domain.Panel) error
}

// ErrUnknownTask reports a disable for a task the service does not know.
var ErrUnknownTask = errors.New("unknown precompute task")

// RemoteServiceError wraps a failed enable or disable call.
type RemoteServiceError struct {
	Op         string
	PanelID    string
	TaskID     string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	msg := fmt.Sprintf("precompute %s panel=%s", e.Op, e.PanelID)
	if e.TaskID != "" {
		msg += " task=" + e.TaskID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Body != "" {
		msg += " body=" + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

// IsUnknownTask reports whether err means the task was already gone.
func IsUnknownTask(err error) bool {
	return errors.Is(err, ErrUnknownTask)
}
