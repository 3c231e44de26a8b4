// Command s3probe drives an S3 target by hand and launches the conformance
// suite.
//
//	s3probe [-config file] [-verbose] [-dns-override host:ip] <command> [flags]
//
// Commands:
//
//	sign           print the string to sign and the signed request
//	put-chunked    PUT an object with Transfer-Encoding: chunked
//	put-synthetic  PUT a synthetic payload and report its checksum
//	post           upload an object with a signed POST policy
//	user           manage object users through the control plane
//	matrix         render or serve the applicability matrix
//	run            run the data-plane suite against the configured target
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"s3probe/internal/config"
)

var errUsage = errors.New("usage")

// app is what every command gets: the loaded configuration, a logger and the
// streams to report on.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"sign", "print the string to sign and the signed request", runSign},
	{"put-chunked", "PUT an object with Transfer-Encoding: chunked", runPutChunked},
	{"put-synthetic", "PUT a synthetic payload and report its checksum", runPutSynthetic},
	{"post", "upload an object with a signed POST policy", runPost},
	{"user", "manage object users through the control plane", runUser},
	{"matrix", "render or serve the applicability matrix", runMatrix},
	{"run", "run the data-plane suite against the configured target", runSuite},
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: s3probe [global flags] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-14s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return slog.New(log.NewWithOptions(w, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: verbose,
		TimeFunction:    log.NowUTC,
	}))
}

// Run parses the global flags, loads the configuration and dispatches to the
// named command.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("s3probe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(config.FileEnv), "YAML configuration file")
	verbose := fs.Bool("verbose", false, "log at debug level")
	var overrides stringList
	fs.Var(&overrides, "dns-override", "resolve host to ip, as host:ip; repeatable")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	dns, err := config.ParseDNSOverrides(overrides)
	if err != nil {
		return err
	}
	opts := make([]config.ConfigOption, 0, len(dns)+1)
	for host, ip := range dns {
		opts = append(opts, config.WithDNSOverride(host, ip))
	}
	if *verbose {
		opts = append(opts, func(c *config.Config) { c.Verbose = true })
	}

	cfg, err := config.Load(*configPath, opts...)
	if err != nil {
		return err
	}

	logger := newLogger(stderr, cfg.Verbose)
	slog.SetDefault(logger)

	name := fs.Arg(0)
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == name })
	if i < 0 {
		fmt.Fprintf(stderr, "s3probe: unknown command %q\n", name)
		fs.Usage()
		return errUsage
	}

	a := &app{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	return commands[i].run(ctx, a, fs.Args()[1:])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		slog.Error("s3probe failed", "error", err)
		os.Exit(1)
	}
}
