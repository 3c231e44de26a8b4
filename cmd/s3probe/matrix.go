package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"s3probe/internal/rules"
	"s3probe/internal/ui"
)

var (
	allTargets   = []string{rules.TargetAWSS3, rules.TargetFakeS3, rules.TargetGouda, rules.TargetBeatle, rules.TargetECS}
	allTestTypes = []string{rules.TypeCompatibility, rules.TypeRegression, rules.TypeAcceptance}
)

func parseTags(v string) []rules.Tag {
	var tags []rules.Tag
	for _, t := range strings.Split(v, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, rules.Tag(t))
		}
	}
	return tags
}

func splitNonEmpty(v string) []string {
	var out []string
	for _, s := range rules.ParseTargets(v) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// matrixHandler renders the matrix, taking the tag filter from ?tags=.
func matrixHandler(targets, testTypes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := ui.BuildMatrix(targets, testTypes, parseTags(r.URL.Query().Get("tags")))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := ui.MatrixPage(m).Render(r.Context(), w); err != nil {
			http.Error(w, fmt.Sprintf("failed to render matrix: %v", err), http.StatusInternalServerError)
		}
	})
}

func runMatrix(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("matrix", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	targets := fs.String("targets", strings.Join(allTargets, ","), "targets to show")
	testTypes := fs.String("types", strings.Join(allTestTypes, ","), "test types to show")
	tags := fs.String("tags", strings.Join(a.cfg.Tags, ","), "only show cases carrying every tag")
	out := fs.String("o", "", "write the page to this file instead of stdout")
	listen := fs.String("listen", "", "serve the page on this address instead of writing it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	targetList := splitNonEmpty(*targets)
	for _, t := range targetList {
		if !rules.ValidTarget(t) {
			return fmt.Errorf("unknown target %q", t)
		}
	}
	typeList := splitNonEmpty(*testTypes)

	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /{$}", matrixHandler(targetList, typeList))
		srv := &http.Server{
			Addr:              *listen,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}

		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.WithoutCancel(ctx))
		})
		eg.Go(func() error {
			a.logger.Info("Serving applicability matrix", "addr", *listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		return eg.Wait()
	}

	w := a.stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	m := ui.BuildMatrix(targetList, typeList, parseTags(*tags))
	if err := ui.MatrixPage(m).Render(ctx, w); err != nil {
		return fmt.Errorf("render matrix: %w", err)
	}
	a.logger.Debug("Rendered applicability matrix", "cases", len(m.Rows), "columns", len(m.Columns))
	return nil
}
