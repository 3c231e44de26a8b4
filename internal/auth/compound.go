package auth

import (
	"context"
	"net/http"
)

type CompoundAuthEngine struct {
	engines []AuthEngine
}

// NewCompoundAuthEngine creates a new CompoundAuthEngine with the given AuthEngines.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

// AuthenticateRequest asks each engine in turn and returns the first user
// found. The first error is returned only when no engine accepts the request.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	var firstErr error
	for _, engine := range e.engines {
		user, err := engine.AuthenticateRequest(ctx, r)
		if user != nil && err == nil {
			return user, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return nil, firstErr
}
