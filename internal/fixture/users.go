package fixture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"s3probe/internal/auth"
	"s3probe/internal/controlplane"
	"s3probe/internal/rules"
)

var ErrNoAltUser = errors.New("can not create another user for this target")

// AltUser is a second object user. On ECS it is provisioned through the
// control plane and must be released with Close; on AWS it comes from the
// alternate credentials in the configuration.
type AltUser struct {
	Name   string
	Secret string

	admin *controlplane.Client
}

// Credentials returns the user's data-plane credentials.
func (u AltUser) Credentials() auth.Credentials {
	return auth.Credentials{AccessKey: u.Name, SecretKey: u.Secret}
}

// Close deactivates a provisioned user. It is a no-op for configured users.
func (u AltUser) Close(ctx context.Context) error {
	if u.admin == nil {
		return nil
	}
	if err := u.admin.DeactivateUser(ctx, u.Name, ""); err != nil {
		return fmt.Errorf("deactivate alt user %s: %w", u.Name, err)
	}
	return nil
}

// NewAltUser returns a second user for the configured target. admin is only
// consulted on ECS.
func (e *Env) NewAltUser(ctx context.Context, admin *controlplane.Client) (AltUser, error) {
	switch {
	case e.targets(rules.TargetECS):
		name := strings.ReplaceAll(uuid.NewString(), "-", "")
		e.logger.Debug("Provision alt user", "user", name)

		if _, err := admin.CreateUser(ctx, name, ""); err != nil {
			return AltUser{}, fmt.Errorf("create alt user: %w", err)
		}
		secret, err := admin.CreateSecretKey(ctx, name, "", "")
		if err != nil {
			return AltUser{}, fmt.Errorf("create alt user secret key: %w", err)
		}
		return AltUser{Name: name, Secret: secret, admin: admin}, nil

	case e.targets(rules.TargetAWSS3):
		e.logger.Debug("Use configured alt user", "user", e.Config.AltAccessKey)
		return AltUser{Name: e.Config.AltAccessKey, Secret: e.Config.AltAccessSecret}, nil

	default:
		return AltUser{}, ErrNoAltUser
	}
}

// NodeList returns num access nodes spread as evenly as possible. On ECS
// the nodes of every VDC are interleaved, first node of each VDC first; on
// other targets the configured access servers are repeated in order.
func (e *Env) NodeList(ctx context.Context, admin *controlplane.Client, num int) ([]string, error) {
	if num <= 0 {
		num = DefaultThreadNumber
	}

	if !e.targets(rules.TargetECS) {
		return repeatNodes(e.Config.AccessServers(), num), nil
	}

	vdcs, err := admin.VDCEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list VDC endpoints: %w", err)
	}
	e.logger.Debug("Got VDC list", "vdcs", vdcs)
	return interleaveNodes(vdcs, num), nil
}

func repeatNodes(nodes []string, num int) []string {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, 0, num)
	for len(out) < num {
		out = append(out, nodes[:min(num-len(out), len(nodes))]...)
	}
	return out
}

// interleaveNodes takes the i-th node of every VDC before any (i+1)-th one
// and stops at num nodes or when every VDC is exhausted.
func interleaveNodes(vdcs [][]string, num int) []string {
	longest := 0
	for _, vdc := range vdcs {
		longest = max(longest, len(vdc))
	}

	var out []string
	for i := range longest {
		for _, vdc := range vdcs {
			if i >= len(vdc) {
				continue
			}
			out = append(out, vdc[i])
			if len(out) == num {
				return out
			}
		}
	}
	return out
}
