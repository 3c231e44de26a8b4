package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"s3probe/internal/controlplane"
)

const userUsage = `usage: s3probe user [flags] <action> [args]

Actions:
  create <user> [tag...]        create an object user
  info <user>                   show a user
  lock <user> | unlock <user>   lock or unlock a user
  deactivate <user>             delete a user
  create-key <user> [secret]    add a secret key, generated when omitted
  keys <user>                   list a user's secret keys
  deactivate-key <user> <secret>
  vdcs                          list the data nodes of every VDC`

func runUser(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("user", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	namespace := fs.String("namespace", "", "namespace, defaults to the configured one")
	alt := fs.Bool("alt", false, "use the alternate control plane endpoint")
	fs.Usage = func() {
		fmt.Fprintln(a.stderr, userUsage)
		fmt.Fprintln(a.stderr)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	newClient := controlplane.New
	if *alt {
		newClient = controlplane.NewAlt
	}
	client := newClient(a.cfg, controlplane.WithLogger(a.logger))
	if !a.cfg.CacheToken {
		defer func() {
			if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("Logout failed", "error", err)
			}
		}()
	}

	action, rest := fs.Arg(0), fs.Args()[1:]
	need := func(n int) error {
		if len(rest) < n {
			fs.Usage()
			return errUsage
		}
		return nil
	}

	switch action {
	case "create":
		if err := need(1); err != nil {
			return err
		}
		info, err := client.CreateUser(ctx, rest[0], *namespace, rest[1:]...)
		if err != nil {
			return err
		}
		return printJSON(a, info)

	case "info":
		if err := need(1); err != nil {
			return err
		}
		info, err := client.UserInfo(ctx, rest[0], *namespace)
		if err != nil {
			return err
		}
		return printJSON(a, info)

	case "lock", "unlock":
		if err := need(1); err != nil {
			return err
		}
		return client.LockUser(ctx, rest[0], *namespace, action == "lock")

	case "deactivate":
		if err := need(1); err != nil {
			return err
		}
		return client.DeactivateUser(ctx, rest[0], *namespace)

	case "create-key":
		if err := need(1); err != nil {
			return err
		}
		secret := ""
		if len(rest) > 1 {
			secret = rest[1]
		}
		key, err := client.CreateSecretKey(ctx, rest[0], secret, *namespace)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, key)
		return nil

	case "keys":
		if err := need(1); err != nil {
			return err
		}
		keys, err := client.SecretKeys(ctx, rest[0])
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(a.stdout, k)
		}
		return nil

	case "deactivate-key":
		if err := need(2); err != nil {
			return err
		}
		return client.DeactivateSecretKey(ctx, rest[0], rest[1], *namespace)

	case "vdcs":
		vdcs, err := client.VDCEndpoints(ctx)
		if err != nil {
			return err
		}
		for i, nodes := range vdcs {
			fmt.Fprintf(a.stdout, "vdc%d: %s\n", i+1, strings.Join(nodes, " "))
		}
		return nil

	default:
		fmt.Fprintf(a.stderr, "s3probe user: unknown action %q\n", action)
		fs.Usage()
		return errUsage
	}
}

func printJSON(a *app, v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
