// Package fixture prepares the data-plane environment conformance cases run
// in: SDK clients for the primary and alternate nodes, throwaway buckets,
// key cleanup and parallel object population.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"s3probe/internal/catalog"
	"s3probe/internal/config"
	"s3probe/internal/naming"
	"s3probe/internal/rules"
	"s3probe/internal/s3request"
)

const (
	DefaultThreadNumber = 5
	DefaultKeyNumber    = 20
	MinPartSize         = 5 * 1024 * 1024

	// MaxDeleteKeys is the largest batch a multi-object delete accepts.
	MaxDeleteKeys = 1000
)

var ErrInvalidTarget = errors.New("invalid test target")

// Env is the data-plane environment shared by the cases of one run.
type Env struct {
	Config config.Config
	Rules  rules.Env

	// Client talks to the primary access server, AltClient to the
	// alternate one. Both sign with the primary credentials.
	Client    *minio.Client
	AltClient *minio.Client

	// Requests is the low-level request builder for cases that need exact
	// control over headers, query parameters or framing.
	Requests *s3request.Client

	logger *slog.Logger
}

type Option func(*Env)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Env) {
		e.logger = logger
	}
}

// WithRequests replaces the request builder, for example to attach metrics.
func WithRequests(client *s3request.Client) Option {
	return func(e *Env) {
		e.Requests = client
	}
}

// New validates the configured targets and connects to both access servers.
func New(cfg config.Config, opts ...Option) (*Env, error) {
	env := &Env{
		Config: cfg,
		Rules:  rules.EnvFromConfig(cfg),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(env)
	}

	for _, target := range env.Rules.Targets {
		if !rules.ValidTarget(target) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
	}

	if env.Requests == nil {
		env.Requests = s3request.New(cfg, s3request.WithLogger(env.logger))
	}

	var err error
	env.Client, err = env.NewClient(cfg.AccessServer, cfg.AccessKey, cfg.AccessSecret)
	if err != nil {
		return nil, err
	}

	alt := cfg.AltAccessServer
	if alt == "" {
		alt = cfg.AccessServer
	}
	env.AltClient, err = env.NewClient(alt, cfg.AccessKey, cfg.AccessSecret)
	if err != nil {
		return nil, err
	}

	return env, nil
}

// NewClient returns a path-style SDK client for host signing with V2
// credentials. It shares the request builder's transport, so DNS overrides
// apply to it as well.
func (e *Env) NewClient(host, accessKey, secret string) (*minio.Client, error) {
	client, err := minio.New(e.Config.HostPort(host), &minio.Options{
		Creds:        credentials.NewStaticV2(accessKey, secret, ""),
		Secure:       e.Config.AccessSSL,
		Transport:    e.Requests.Transport(),
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client for %s: %w", host, err)
	}
	return client, nil
}

// BucketURL returns the path-style URL of bucket on the primary node.
func (e *Env) BucketURL(bucket string) string {
	return e.Config.Endpoint() + "/" + bucket
}

// ObjectURL returns the path-style URL of key in bucket on the primary node.
func (e *Env) ObjectURL(bucket, key string) string {
	return e.BucketURL(bucket) + "/" + key
}

// Gate skips t when the case is filtered out by tags or its rules, and fails
// it in fail-triage mode when it carries a triage rule.
func (e *Env) Gate(t testing.TB, c catalog.Case) {
	t.Helper()
	if !e.Rules.Selected(c.Tags) {
		t.Skipf("Not selected by tags %v", e.Rules.Tags)
	}
	rules.Gate(t, e.Rules, c.Rules...)
}

// Bucket is a bucket created for one case.
type Bucket struct {
	Name   string
	Reused bool
}

// CreateBucket creates a uniquely named bucket. When allowReuse is set and a
// reuse name is configured, that bucket is used instead and created only if
// it does not exist yet.
func (e *Env) CreateBucket(ctx context.Context, prefix string, allowReuse bool) (Bucket, error) {
	if allowReuse && e.Config.ReuseBucketName != "" {
		name := e.Config.ReuseBucketName
		exists, err := e.Client.BucketExists(ctx, name)
		if err != nil {
			return Bucket{}, fmt.Errorf("probe reuse bucket %s: %w", name, err)
		}
		if !exists {
			e.logger.Debug("Create bucket for reuse", "bucket", name)
			if err := e.Client.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
				return Bucket{}, fmt.Errorf("create reuse bucket %s: %w", name, err)
			}
		}
		return Bucket{Name: name, Reused: true}, nil
	}

	name := naming.UniqueBucketName(prefix)
	e.logger.Debug("Create bucket", "bucket", name)
	if err := e.Client.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
		return Bucket{}, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return Bucket{Name: name}, nil
}

// RemoveBucket empties b and deletes it unless it is the reuse bucket.
func (e *Env) RemoveBucket(ctx context.Context, b Bucket) error {
	e.logger.Debug("Delete all keys in bucket", "bucket", b.Name)
	if err := e.DeleteKeys(ctx, b.Name); err != nil {
		return err
	}
	if b.Reused {
		e.logger.Debug("Reuse bucket will not be deleted", "bucket", b.Name)
		return nil
	}
	if err := e.Client.RemoveBucket(ctx, b.Name); err != nil {
		return fmt.Errorf("delete bucket %s: %w", b.Name, err)
	}
	return nil
}

// NewBucket creates a bucket for t and removes it when t finishes.
func (e *Env) NewBucket(t testing.TB, allowReuse bool) Bucket {
	t.Helper()

	b, err := e.CreateBucket(t.Context(), t.Name(), allowReuse)
	if err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Cleanup(func() {
		if err := e.RemoveBucket(context.Background(), b); err != nil {
			e.logger.Warn("Delete bucket", "bucket", b.Name, "err", err)
		}
	})
	return b
}

// DeleteKeys removes every key in bucket. FAKES3 mishandles multi-object
// delete, so keys are deleted one by one there and in batches elsewhere.
func (e *Env) DeleteKeys(ctx context.Context, bucket string) error {
	oneByOne := e.targets(rules.TargetFakeS3)

	for {
		keys, err := e.ListKeys(ctx, e.Client, bucket, "", MaxDeleteKeys)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		if oneByOne {
			for _, key := range keys {
				if err := e.Client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
					return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
				}
			}
			continue
		}

		objects := make(chan minio.ObjectInfo, len(keys))
		for _, key := range keys {
			objects <- minio.ObjectInfo{Key: key}
		}
		close(objects)
		for result := range e.Client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
			if result.Err != nil {
				return fmt.Errorf("delete %s/%s: %w", bucket, result.ObjectName, result.Err)
			}
		}
	}
}

// ListKeys returns up to limit keys under prefix, recursively. A limit of
// zero or less returns every key.
func (e *Env) ListKeys(ctx context.Context, client *minio.Client, bucket, prefix string, limit int) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for obj := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", bucket, obj.Err)
		}
		keys = append(keys, obj.Key)
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	return keys, nil
}

// ListFolder lists the keys and common prefixes directly under prefix using
// "/" as the delimiter, the way a directory listing would.
func (e *Env) ListFolder(ctx context.Context, client *minio.Client, bucket, prefix string) ([]string, error) {
	var entries []string
	for obj := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		entries = append(entries, obj.Key)
	}
	return entries, nil
}

// PutString stores content under key with the content as its body.
func (e *Env) PutString(ctx context.Context, client *minio.Client, bucket, key, content string) error {
	_, err := client.PutObject(ctx, bucket, key, strings.NewReader(content), int64(len(content)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (e *Env) targets(target string) bool {
	return slices.Contains(e.Rules.Targets, target)
}
