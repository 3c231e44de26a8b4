package fixture

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"s3probe/internal/naming"
)

// Registry records the keys a case created. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	names []string
}

func (r *Registry) Add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

// Names returns a sorted copy of the recorded names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.names)
	slices.Sort(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

// CreateObjects stores n objects named folder + a unique key name, each
// holding its own name, using DefaultThreadNumber workers. Every stored key
// is added to reg. The first failure cancels the remaining uploads.
func (e *Env) CreateObjects(ctx context.Context, client *minio.Client, bucket, folder string, n int, reg *Registry) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultThreadNumber)

	for range n {
		g.Go(func() error {
			key := folder + naming.UniqueKeyName()
			if err := e.PutString(ctx, client, bucket, key, key); err != nil {
				return err
			}
			e.logger.Debug("Create object", "bucket", bucket, "key", key)
			reg.Add(key)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("create objects under %q: %w", folder, err)
	}
	return nil
}

// DeleteFolder removes every key under folder through client.
func (e *Env) DeleteFolder(ctx context.Context, client *minio.Client, bucket, folder string) error {
	keys, err := e.ListKeys(ctx, client, bucket, folder, 0)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
		}
	}
	return nil
}
