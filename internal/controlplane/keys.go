package controlplane

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const secretKeyPrefix = "secret_key_"

type createKeyRequest struct {
	SecretKey string `json:"secretkey,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type createKeyResponse struct {
	SecretKey string `json:"secret_key"`
}

type deactivateKeyRequest struct {
	SecretKey string `json:"secret_key,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

func secretKeysPath(user string) string {
	return "/object/user-secret-keys/" + url.PathEscape(user)
}

// CreateSecretKey adds a secret key for user, creating the user first when
// it does not exist. An empty secret lets the target generate one. The
// active secret is returned.
func (c *Client) CreateSecretKey(ctx context.Context, user, secret, namespace string) (string, error) {
	namespace = c.ns(namespace)
	if _, err := c.UserInfo(ctx, user, namespace); err != nil {
		if !isMissingUser(err) {
			return "", err
		}
		if _, err := c.CreateUser(ctx, user, namespace); err != nil {
			return "", err
		}
	}

	var out createKeyResponse
	if err := c.call(ctx, http.MethodPost, secretKeysPath(user), createKeyRequest{SecretKey: secret, Namespace: namespace}, &out); err != nil {
		return "", err
	}
	return out.SecretKey, nil
}

func isMissingUser(err error) bool {
	return IsStatus(err, http.StatusNotFound) || IsStatus(err, http.StatusBadRequest)
}

// SecretKeys returns the user's secret keys ordered by slot.
func (c *Client) SecretKeys(ctx context.Context, user string) ([]string, error) {
	var raw map[string]any
	if err := c.call(ctx, http.MethodGet, secretKeysPath(user), nil, &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name, v := range raw {
		if s, ok := v.(string); ok && s != "" && strings.HasPrefix(name, secretKeyPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, raw[name].(string))
	}
	return keys, nil
}

// DeactivateSecretKey removes secret from user, or every key when secret is
// empty.
func (c *Client) DeactivateSecretKey(ctx context.Context, user, secret, namespace string) error {
	return c.call(ctx, http.MethodPost, secretKeysPath(user)+"/deactivate", deactivateKeyRequest{SecretKey: secret, Namespace: c.ns(namespace)}, nil)
}
