package auth

import (
	"context"
	"net/http"
)

type BasicAuthEngine struct {
	Username string
	Password string
}

// NewBasicAuthEngine creates a new BasicAuthEngine accepting a single
// username and password.
func NewBasicAuthEngine(username, password string) *BasicAuthEngine {
	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User object if the credentials are valid, nil otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	if user != e.Username || pass != e.Password {
		return nil, nil
	}

	return &User{
		AccessKeyID: user,
	}, nil
}
