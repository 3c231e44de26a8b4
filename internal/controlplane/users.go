package controlplane

import (
	"context"
	"net/http"
	"net/url"
)

// UserInfo describes an object user.
type UserInfo struct {
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Locked    bool     `json:"locked"`
	Created   string   `json:"created,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

type userRequest struct {
	User      string   `json:"user"`
	Namespace string   `json:"namespace,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

type lockRequest struct {
	User      string `json:"user"`
	Namespace string `json:"namespace,omitempty"`
	IsLocked  bool   `json:"isLocked"`
}

func (c *Client) ns(namespace string) string {
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

// CreateUser creates an object user and returns its info. An empty
// namespace selects the configured one.
func (c *Client) CreateUser(ctx context.Context, user, namespace string, tags ...string) (UserInfo, error) {
	namespace = c.ns(namespace)
	if err := c.call(ctx, http.MethodPost, "/object/users", userRequest{User: user, Namespace: namespace, Tags: tags}, nil); err != nil {
		return UserInfo{}, err
	}
	return c.UserInfo(ctx, user, namespace)
}

// DeactivateUser removes an object user.
func (c *Client) DeactivateUser(ctx context.Context, user, namespace string) error {
	return c.call(ctx, http.MethodPost, "/object/users/deactivate", userRequest{User: user, Namespace: c.ns(namespace)}, nil)
}

// UserInfo fetches an object user.
func (c *Client) UserInfo(ctx context.Context, user, namespace string) (UserInfo, error) {
	path := "/object/users/" + url.PathEscape(user) + "/info"
	if namespace = c.ns(namespace); namespace != "" {
		path += "?namespace=" + url.QueryEscape(namespace)
	}

	var info UserInfo
	if err := c.call(ctx, http.MethodGet, path, nil, &info); err != nil {
		return UserInfo{}, err
	}
	return info, nil
}

// LockUser locks or unlocks an object user.
func (c *Client) LockUser(ctx context.Context, user, namespace string, locked bool) error {
	return c.call(ctx, http.MethodPut, "/object/users/lock", lockRequest{User: user, Namespace: c.ns(namespace), IsLocked: locked}, nil)
}
