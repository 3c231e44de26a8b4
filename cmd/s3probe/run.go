package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"s3probe/internal/config"
)

// exitError carries the exit code of the suite so s3probe exits with it.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("suite exited with code %d", e.code)
}

const dataplanePackage = "./internal/dataplane"

// suiteArgs builds the go test command line.
func suiteArgs(pkg, run string, short, verbose bool, count int, extra []string) []string {
	args := []string{"test", pkg, fmt.Sprintf("-count=%d", count)}
	if run != "" {
		args = append(args, "-run", run)
	}
	if short {
		args = append(args, "-short")
	}
	if verbose {
		args = append(args, "-v")
	}
	return append(args, extra...)
}

// suiteEnv is the process environment with every configuration variable
// replaced by the loaded configuration.
func suiteEnv(a *app) []string {
	var env []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, config.EnvPrefix) {
			env = append(env, kv)
		}
	}
	return append(env, a.cfg.Environ()...)
}

func runSuite(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	pkg := fs.String("pkg", dataplanePackage, "package holding the cases")
	run := fs.String("run", "", "only run cases matching this go test -run pattern")
	short := fs.Bool("short", false, "pass -short to go test")
	verbose := fs.Bool("v", false, "pass -v to go test")
	count := fs.Int("count", 1, "go test -count; 1 disables the test cache")
	fs.Usage = func() {
		fmt.Fprintln(a.stderr, "usage: s3probe run [flags] [-- go test flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmdArgs := suiteArgs(*pkg, *run, *short, *verbose, *count, fs.Args())
	a.logger.Info("Running conformance suite",
		"target", a.cfg.TestTarget, "type", a.cfg.TestType, "server", a.cfg.HostPort(a.cfg.AccessServer))
	a.logger.Debug("go", "args", cmdArgs)

	cmd := exec.CommandContext(ctx, "go", cmdArgs...)
	cmd.Env = suiteEnv(a)
	cmd.Stdout = a.stdout
	cmd.Stderr = a.stderr

	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return &exitError{code: exit.ExitCode()}
		}
		return fmt.Errorf("run go test: %w", err)
	}
	return nil
}
