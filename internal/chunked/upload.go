package chunked

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"s3probe/internal/s3request"
)

// RawDoer sends a request without rewriting its framing.
type RawDoer interface {
	DoRaw(ctx context.Context, spec s3request.Spec) (*http.Response, error)
}

// UploadFile PUTs the file at path to bucketURL/key as a chunked body whose
// frame sizes come from sizes. See NewEncoder for how sizes are consumed.
func UploadFile(ctx context.Context, client RawDoer, bucketURL, key, path string, sizes []int, opts ...s3request.RequestOption) (*http.Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return upload(ctx, client, bucketURL, key, NewEncoder(f, sizes), opts)
}

// UploadStrings PUTs one frame per string to bucketURL/key.
func UploadStrings(ctx context.Context, client RawDoer, bucketURL, key string, chunks []string, opts ...s3request.RequestOption) (*http.Response, error) {
	return upload(ctx, client, bucketURL, key, bytes.NewReader(EncodeStrings(chunks...)), opts)
}

func upload(ctx context.Context, client RawDoer, bucketURL, key string, body io.Reader, opts []s3request.RequestOption) (*http.Response, error) {
	spec := s3request.NewSpec(http.MethodPut, strings.TrimSuffix(bucketURL, "/")+"/"+key, opts...)
	spec.Header.Set("Transfer-Encoding", "chunked")
	spec.Body = s3request.Reader(body, -1)
	return client.DoRaw(ctx, spec)
}
