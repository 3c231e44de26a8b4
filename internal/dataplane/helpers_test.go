package dataplane_test

import (
	"encoding/xml"
	"io"
	"net/http"
	"testing"

	"s3probe/internal/s3request"

	"github.com/stretchr/testify/require"
)

type listBucketResult struct {
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker"`
	Delimiter      string         `xml:"Delimiter"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []listedObject `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

type listedObject struct {
	Key   string `xml:"Key"`
	ETag  string `xml:"ETag"`
	Size  int64  `xml:"Size"`
	Owner struct {
		ID string `xml:"ID"`
	} `xml:"Owner"`
}

func (r listBucketResult) keys() []string {
	out := make([]string, 0, len(r.Contents))
	for _, c := range r.Contents {
		out = append(out, c.Key)
	}
	return out
}

func (r listBucketResult) prefixes() []string {
	out := make([]string, 0, len(r.CommonPrefixes))
	for _, p := range r.CommonPrefixes {
		out = append(out, p.Prefix)
	}
	return out
}

// listBucket lists bucket with a GET bucket request carrying opts and
// requires it to succeed.
func listBucket(t *testing.T, bucket string, opts ...s3request.RequestOption) listBucketResult {
	t.Helper()

	resp, err := env.Requests.Get(t.Context(), env.BucketURL(bucket), opts...)
	require.NoError(t, err, "list %s", bucket)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read listing")
	require.Equal(t, http.StatusOK, resp.StatusCode, "list %s: %s", bucket, body)

	var out listBucketResult
	require.NoError(t, xml.Unmarshal(body, &out), "decode listing")
	return out
}

// requireS3Error requires resp to carry an S3 error document with status and
// code. An empty code accepts any code.
func requireS3Error(t *testing.T, resp *http.Response, err error, status int, code string) {
	t.Helper()

	require.NoError(t, err, "request error")
	require.Equal(t, status, resp.StatusCode, "status code")
	s3Err, err := s3request.DecodeError(resp)
	require.NoError(t, err, "decode error document")
	if code != "" {
		require.Equal(t, code, s3Err.Code, "error code")
	}
}

func requireStatus(t *testing.T, resp *http.Response, err error, status int) {
	t.Helper()

	require.NoError(t, err, "request error")
	defer resp.Body.Close()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		require.Equal(t, status, resp.StatusCode, "status code, body %s", body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
}

// bucketOwner returns the canonical ID of bucket's owner from its ACL.
func bucketOwner(t *testing.T, bucket string) string {
	t.Helper()

	resp, err := env.Requests.Get(t.Context(), env.BucketURL(bucket), s3request.WithFlag("acl"))
	require.NoError(t, err, "get bucket ACL")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "get bucket ACL status")

	var policy struct {
		Owner struct {
			ID string `xml:"ID"`
		} `xml:"Owner"`
	}
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&policy), "decode ACL")
	require.NotEmpty(t, policy.Owner.ID, "owner ID")
	return policy.Owner.ID
}
