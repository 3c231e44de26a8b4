package s3request

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"s3probe/internal/payload"
)

// UploadSynthetic PUTs a synthetic payload of size bytes to bucketURL/key
// over a raw connection, streaming blocks as they are generated. It returns
// the response and the hex MD5 of what was sent.
func (c *Client) UploadSynthetic(ctx context.Context, bucketURL, key string, size int64, opts ...RequestOption) (*http.Response, string, error) {
	stream := payload.New(size)

	spec := NewSpec(http.MethodPut, strings.TrimSuffix(bucketURL, "/")+"/"+key, opts...)
	// Date and User-Agent always come from the client.
	spec.Header.Del("Date")
	spec.Header.Del("User-Agent")
	spec.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	if _, ok := spec.Header.Get("Content-Type"); !ok {
		spec.Header.Set("Content-Type", "application/octet-stream")
	}
	spec.Body = Reader(stream, size)

	resp, err := c.DoRaw(ctx, spec)
	if err != nil {
		return nil, "", err
	}
	sum, err := stream.Sum()
	if err != nil {
		resp.Body.Close()
		return nil, "", fmt.Errorf("synthetic payload: %w", err)
	}
	return resp, sum, nil
}
