package detection

import "github.com/pkg/errors"

// Error classes. Concrete failures wrap one of these with context; classify
// with errors.Is.
var (
	// ErrValidation marks malformed request parameters, rejected before any
	// processing starts.
	ErrValidation = errors.New("validation error")
	// ErrData marks source media that cannot be opened, decoded or written.
	ErrData = errors.New("data error")
	// ErrInference marks a detector failure on an image or frame.
	ErrInference = errors.New("inference error")
	// ErrNotFound marks an unknown task id or output filename.
	ErrNotFound = errors.New("not found")
	// ErrNotCompleted marks a result or stats lookup on a task that has not
	// reached the completed state.
	ErrNotCompleted = errors.New("task not completed")
)
