package signals

import (
	"context"
	"errors"
)

// Backend errors. The first three are transient and retried.
var (
	ErrTimeout            = errors.New("extraction backend timeout")
	ErrRateLimited        = errors.New("extraction backend rate limited")
	ErrBackendUnavailable = errors.New("extraction backend unavailable")
	ErrMalformedResponse  = errors.New("extraction backend returned a malformed response")
)

// Request is one structured-extraction call
type Request struct {
	SystemPrompt string
	UserText     string
	ImagePaths   []string // local files; backends may attach only the first
}

// Backend turns text and images into the model's raw JSON answer
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// IsTransient reports whether a backend error is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBackendUnavailable)
}
