package target_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"s3probe/internal/auth"
	"s3probe/internal/chunked"
	"s3probe/internal/config"
	"s3probe/internal/metrics"
	"s3probe/internal/naming"
	"s3probe/internal/payload"
	"s3probe/internal/s3request"
	"s3probe/internal/target"

	"github.com/stretchr/testify/require"
)

var (
	ownerCreds = auth.Credentials{AccessKey: "owner-key", SecretKey: "owner-secret"}
	otherCreds = auth.Credentials{AccessKey: "other-key", SecretKey: "other-secret"}
)

// newTestServer creates a target backed by a temporary data directory that
// knows ownerCreds and otherCreds.
func newTestServer(t *testing.T, opts ...target.ConfigOption) (*target.Server, *httptest.Server) {
	t.Helper()

	opts = append([]target.ConfigOption{
		target.WithDataDir(t.TempDir()),
		target.WithCredentials(ownerCreds, otherCreds),
	}, opts...)

	srv, err := target.NewServer(t.Context(), target.NewConfig(opts...))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

func newClient(creds auth.Credentials) *s3request.Client {
	return s3request.New(config.NewConfig(config.WithCredentials(creds.AccessKey, creds.SecretKey)))
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// mustStatus checks the status of resp and closes its body.
func mustStatus(t *testing.T, resp *http.Response, err error, want int, msg string) {
	t.Helper()
	require.NoError(t, err, msg)
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		require.Failf(t, msg, "status %d, want %d: %s", resp.StatusCode, want, body)
	}
}

// mustError decodes an S3 error response and checks its status and code.
func mustError(t *testing.T, resp *http.Response, err error, status int, code string, msg string) {
	t.Helper()
	require.NoError(t, err, msg)
	s3Err, err := s3request.DecodeError(resp)
	require.NoError(t, err, "decoding S3 error XML")
	require.Equal(t, status, s3Err.StatusCode, msg)
	require.Equal(t, code, s3Err.Code, msg)
}

func createBucket(t *testing.T, client *s3request.Client, baseURL, bucket string) string {
	t.Helper()
	resp, err := client.Put(t.Context(), baseURL+"/"+bucket)
	mustStatus(t, resp, err, http.StatusOK, "create bucket "+bucket)
	return baseURL + "/" + bucket
}

func TestBucketLifecycle(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	owner := newClient(ownerCreds)
	other := newClient(otherCreds)
	ctx := t.Context()

	bucketURL := createBucket(t, owner, httpSrv.URL, "lifecycle-bucket")

	resp, err := owner.Put(ctx, bucketURL)
	mustError(t, resp, err, http.StatusConflict, "BucketAlreadyOwnedByYou", "recreate by owner")

	resp, err = other.Put(ctx, bucketURL)
	mustError(t, resp, err, http.StatusConflict, "BucketAlreadyExists", "create by another user")

	resp, err = owner.Get(ctx, httpSrv.URL+"/")
	require.NoError(t, err, "list buckets")
	var list target.ListAllMyBucketsResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&list), "decoding ListAllMyBucketsResult")
	resp.Body.Close()
	require.Len(t, list.Buckets, 1, "owner sees one bucket")
	require.Equal(t, "lifecycle-bucket", list.Buckets[0].Name, "bucket name")
	require.Equal(t, ownerCreds.AccessKey, list.Owner.ID, "owner id")

	resp, err = other.Get(ctx, httpSrv.URL+"/")
	require.NoError(t, err, "list buckets as other")
	list = target.ListAllMyBucketsResult{}
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&list), "decoding ListAllMyBucketsResult")
	resp.Body.Close()
	require.Empty(t, list.Buckets, "other user owns no buckets")

	resp, err = owner.Head(ctx, bucketURL)
	mustStatus(t, resp, err, http.StatusOK, "HEAD bucket")

	resp, err = owner.Get(ctx, bucketURL, s3request.WithFlag("location"))
	require.NoError(t, err, "GET ?location")
	var location target.LocationConstraint
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&location), "decoding LocationConstraint")
	resp.Body.Close()
	require.Empty(t, location.Region, "us-east-1 is reported as empty")

	resp, err = owner.Put(ctx, bucketURL+"/key", s3request.WithContent([]byte("x")))
	mustStatus(t, resp, err, http.StatusOK, "PUT object")

	resp, err = other.Delete(ctx, bucketURL)
	mustError(t, resp, err, http.StatusForbidden, "AccessDenied", "delete by another user")

	resp, err = owner.Delete(ctx, bucketURL)
	mustError(t, resp, err, http.StatusConflict, "BucketNotEmpty", "delete non-empty bucket")

	resp, err = owner.Delete(ctx, bucketURL+"/key")
	mustStatus(t, resp, err, http.StatusNoContent, "DELETE object")

	resp, err = owner.Delete(ctx, bucketURL)
	mustStatus(t, resp, err, http.StatusNoContent, "DELETE bucket")

	resp, err = owner.Head(ctx, bucketURL)
	mustStatus(t, resp, err, http.StatusNotFound, "HEAD deleted bucket")

	resp, err = owner.Get(ctx, bucketURL)
	mustError(t, resp, err, http.StatusNotFound, "NoSuchBucket", "list deleted bucket")
}

func TestInvalidBucketNames(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)

	var names []string
	names = append(names, naming.TooShortBucketNames()...)
	names = append(names, naming.TooLongBucketNames(naming.DNS)...)
	names = append(names, naming.UppercaseBucketNames()...)
	names = append(names, naming.DotHyphenBucketNames()...)
	names = append(names, naming.ContinuousDotBucketNames()...)
	names = append(names, naming.IPAddressBucketNames()...)
	names = append(names, naming.InvalidCharBucketNames(naming.DNS)...)

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			resp, err := client.Put(t.Context(), httpSrv.URL+"/"+name)
			mustError(t, resp, err, http.StatusBadRequest, "InvalidBucketName", "PUT bucket "+name)
		})
	}
}

func TestValidBucketNames(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)

	var names []string
	names = append(names, naming.ShortestBucketNames(naming.DNS)...)
	names = append(names, naming.LongestBucketNames(naming.DNS)...)
	names = append(names, naming.BucketNamesWithSpecialSymbols(naming.DNS)...)
	names = append(names, naming.ValidBucketNames(naming.DNS)...)
	names = append(names, naming.UniqueBucketName(t.Name()))

	for _, name := range names {
		resp, err := client.Put(t.Context(), httpSrv.URL+"/"+name)
		mustStatus(t, resp, err, http.StatusOK, "PUT bucket "+name)
	}
}

func TestObjectRoundTrip(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "objects")

	body := []byte("hello world")
	objectURL := bucketURL + "/dir1/object.txt"

	resp, err := client.Put(ctx, objectURL,
		s3request.WithContent(body),
		s3request.WithContentType("text/plain"),
		s3request.WithHeader("Content-MD5", auth.ContentMD5(body)),
		s3request.WithHeader("x-amz-meta-color", "blue"),
	)
	require.NoError(t, err, "PUT object")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT status")
	require.Equal(t, `"`+md5Hex(body)+`"`, resp.Header.Get("ETag"), "ETag is the quoted MD5")

	resp, err = client.Get(ctx, objectURL)
	require.NoError(t, err, "GET object")
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err, "read body")
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET status")
	require.Equal(t, body, got, "body round trips")
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "content type")
	require.Equal(t, "blue", resp.Header.Get("x-amz-meta-color"), "user metadata")

	resp, err = client.Get(ctx, objectURL, s3request.WithHeader("Range", "bytes=6-10"))
	require.NoError(t, err, "ranged GET")
	got, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode, "ranged GET status")
	require.Equal(t, "world", string(got), "ranged body")

	resp, err = client.Get(ctx, objectURL, s3request.WithHeader("If-None-Match", `"`+md5Hex(body)+`"`))
	mustStatus(t, resp, err, http.StatusNotModified, "conditional GET")

	resp, err = client.Get(ctx, objectURL, s3request.WithQuery("response-content-type", "application/x-test"))
	require.NoError(t, err, "GET with response override")
	resp.Body.Close()
	require.Equal(t, "application/x-test", resp.Header.Get("Content-Type"), "response-content-type override")

	resp, err = client.Head(ctx, objectURL)
	require.NoError(t, err, "HEAD object")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "HEAD status")
	require.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"), "HEAD content length")

	resp, err = client.Delete(ctx, objectURL)
	mustStatus(t, resp, err, http.StatusNoContent, "DELETE object")

	resp, err = client.Get(ctx, objectURL)
	mustError(t, resp, err, http.StatusNotFound, "NoSuchKey", "GET deleted object")

	resp, err = client.Delete(ctx, objectURL)
	mustStatus(t, resp, err, http.StatusNoContent, "DELETE missing object")
}

func TestPutObject_Errors(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "errors")

	resp, err := client.Put(ctx, httpSrv.URL+"/no-such-bucket/key", s3request.WithContent([]byte("x")))
	mustError(t, resp, err, http.StatusNotFound, "NoSuchBucket", "PUT into missing bucket")

	resp, err = client.Put(ctx, bucketURL+"/key",
		s3request.WithContent([]byte("payload")),
		s3request.WithHeader("Content-MD5", auth.ContentMD5([]byte("something else"))),
	)
	mustError(t, resp, err, http.StatusBadRequest, "BadDigest", "mismatched Content-MD5")

	resp, err = client.Put(ctx, bucketURL+"/key",
		s3request.WithContent([]byte("payload")),
		s3request.WithHeader("Content-MD5", "not-base64!"),
	)
	mustError(t, resp, err, http.StatusBadRequest, "InvalidDigest", "malformed Content-MD5")

	resp, err = client.Put(ctx, bucketURL+"/key",
		s3request.WithContent([]byte("payload")),
		s3request.WithHeader("x-amz-acl", "no-such-acl"),
	)
	mustError(t, resp, err, http.StatusBadRequest, "InvalidArgument", "unknown canned ACL")

	resp, err = client.Get(ctx, bucketURL+"/key")
	mustError(t, resp, err, http.StatusNotFound, "NoSuchKey", "failed PUTs store nothing")
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	ctx := t.Context()
	bucketURL := createBucket(t, newClient(ownerCreds), httpSrv.URL, "auth")

	unknown := newClient(auth.Credentials{AccessKey: "nobody", SecretKey: "secret"})
	resp, err := unknown.Get(ctx, bucketURL)
	mustError(t, resp, err, http.StatusForbidden, "InvalidAccessKeyId", "unknown access key")

	wrongSecret := newClient(auth.Credentials{AccessKey: ownerCreds.AccessKey, SecretKey: "wrong"})
	resp, err = wrongSecret.Get(ctx, bucketURL)
	mustError(t, resp, err, http.StatusForbidden, "SignatureDoesNotMatch", "wrong secret")

	resp, err = newClient(ownerCreds).Get(ctx, bucketURL,
		s3request.WithHeader("Date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
	mustError(t, resp, err, http.StatusForbidden, "RequestTimeTooSkewed", "stale date")

	resp, err = newClient(ownerCreds).Get(ctx, bucketURL, s3request.WithAnonymous())
	mustError(t, resp, err, http.StatusForbidden, "AccessDenied", "anonymous list of a private bucket")

	resp, err = newClient(otherCreds).Get(ctx, bucketURL)
	mustError(t, resp, err, http.StatusForbidden, "AccessDenied", "other user lists a private bucket")
}

func TestChunkedUpload(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "chunked")

	resp, err := chunked.UploadStrings(ctx, client, bucketURL, "strings", []string{"hello ", "chunked ", "world"})
	mustStatus(t, resp, err, http.StatusOK, "chunked upload of strings")

	resp, err = client.Get(ctx, bucketURL+"/strings")
	require.NoError(t, err, "GET chunked object")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "hello chunked world", string(got), "chunked body stored decoded")

	path := filepath.Join(t.TempDir(), "source")
	require.NoError(t, payload.GenerateFile(path, 3*payload.BlockSize+5), "GenerateFile error")
	resp, err = chunked.UploadFile(ctx, client, bucketURL, "file", path, []int{100, 4096})
	mustStatus(t, resp, err, http.StatusOK, "chunked upload of file")

	want, err := os.ReadFile(path)
	require.NoError(t, err, "read source")
	resp, err = client.Get(ctx, bucketURL+"/file")
	require.NoError(t, err, "GET chunked file")
	got, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, md5Hex(want), md5Hex(got), "chunked file round trips")
}

func TestChunkedUpload_Malformed(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "malformed")

	path := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(path, []byte("some content for chunks"), 0o644), "write source")

	resp, err := chunked.UploadFile(ctx, client, bucketURL, "bad", path, []int{4, -1})
	mustError(t, resp, err, http.StatusBadRequest, "IncompleteBody", "malformed frame rejected")

	resp, err = client.Get(ctx, bucketURL+"/bad")
	mustError(t, resp, err, http.StatusNotFound, "NoSuchKey", "nothing stored for a malformed upload")
}

func TestAWSChunkedUpload(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "aws-chunked")

	resp, err := client.Put(ctx, bucketURL+"/key",
		s3request.WithContent(chunked.EncodeStrings("abc", "def")),
		s3request.WithHeader("Content-Encoding", "aws-chunked"),
		s3request.WithHeader("x-amz-decoded-content-length", "6"),
	)
	mustStatus(t, resp, err, http.StatusOK, "aws-chunked PUT")

	resp, err = client.Get(ctx, bucketURL+"/key")
	require.NoError(t, err, "GET aws-chunked object")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "abcdef", string(got), "aws-chunked body stored decoded")

	resp, err = client.Put(ctx, bucketURL+"/broken",
		s3request.WithContent([]byte("zz\r\nabc\r\n0\r\n\r\n")),
		s3request.WithHeader("Content-Encoding", "aws-chunked"),
	)
	mustError(t, resp, err, http.StatusBadRequest, "InvalidChunkSizeError", "malformed aws-chunked body")
}

func TestUploadSynthetic(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "synthetic")

	const size = 64*payload.BlockSize + 123
	resp, sum, err := client.UploadSynthetic(ctx, bucketURL, "big", size)
	require.NoError(t, err, "UploadSynthetic error")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "synthetic upload accepted")
	require.Equal(t, `"`+sum+`"`, resp.Header.Get("ETag"), "target reports the generator's checksum")

	resp, err = client.Get(ctx, bucketURL+"/big")
	require.NoError(t, err, "GET synthetic object")
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err, "read synthetic object")
	require.Len(t, got, size, "stored size")
	require.Equal(t, sum, md5Hex(got), "stored payload checksum")
	require.True(t, payload.VerifyBlock(got[:payload.BlockSize]), "first block verifies")
}

func TestPostUpload(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "post-bucket")

	resp, err := client.PostString(ctx, bucketURL+"/", "posted", "form body",
		s3request.Field{Name: "x-amz-meta-color", Value: "blue"})
	mustStatus(t, resp, err, http.StatusNoContent, "POST upload")

	resp, err = client.Get(ctx, bucketURL+"/posted", s3request.WithAnonymous())
	require.NoError(t, err, "anonymous GET of a public-read object")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "public-read object is readable anonymously")
	require.Equal(t, "form body", string(got), "posted body")
	require.Equal(t, "blue", resp.Header.Get("x-amz-meta-color"), "posted metadata")
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"), "posted content type")

	resp, err = client.Post(ctx, s3request.PostUpload{
		BucketURL:   bucketURL + "/",
		Key:         "expired",
		Content:     []byte("late"),
		Expiration:  time.Now().Add(-time.Minute),
		Credentials: &ownerCreds,
	})
	mustError(t, resp, err, http.StatusForbidden, "AccessDenied", "expired policy")

	resp, err = client.Post(ctx, s3request.PostUpload{
		BucketURL:   bucketURL + "/",
		Key:         "unknown",
		Content:     []byte("x"),
		Credentials: &auth.Credentials{AccessKey: "nobody", SecretKey: "secret"},
	})
	mustError(t, resp, err, http.StatusForbidden, "InvalidAccessKeyId", "unknown access key")

	resp, err = client.Post(ctx, s3request.PostUpload{
		BucketURL:   bucketURL + "/",
		Key:         "forged",
		Content:     []byte("x"),
		Credentials: &auth.Credentials{AccessKey: ownerCreds.AccessKey, SecretKey: "wrong"},
	})
	mustError(t, resp, err, http.StatusForbidden, "AccessDenied", "forged policy signature")

	resp, err = client.Post(ctx, s3request.PostUpload{
		BucketURL:   bucketURL + "/",
		Key:         "not-allowed",
		Content:     []byte("x"),
		Credentials: &otherCreds,
	})
	mustError(t, resp, err, http.StatusForbidden, "AccessDenied", "other user cannot write a private bucket")
}

func TestObjectACL(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "acl-bucket")
	objectURL := bucketURL + "/key"

	resp, err := client.Put(ctx, objectURL, s3request.WithContent([]byte("secret")))
	mustStatus(t, resp, err, http.StatusOK, "PUT object")

	resp, err = client.Get(ctx, objectURL, s3request.WithAnonymous())
	mustError(t, resp, err, http.StatusForbidden, "AccessDenied", "private object hidden from anonymous users")

	resp, err = client.Put(ctx, objectURL, s3request.WithFlag("acl"), s3request.WithContent([]byte(naming.ValidACL(ownerCreds.AccessKey))))
	mustStatus(t, resp, err, http.StatusOK, "PUT ?acl")

	resp, err = client.Get(ctx, objectURL, s3request.WithFlag("acl"))
	require.NoError(t, err, "GET ?acl")
	var policy target.AccessControlPolicy
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&policy), "decoding AccessControlPolicy")
	resp.Body.Close()
	require.Equal(t, ownerCreds.AccessKey, policy.Owner.ID, "acl owner")
	require.Len(t, policy.Grants, 2, "owner and AllUsers grants")
	require.Equal(t, target.PermFullControl, policy.Grants[0].Permission, "owner permission")
	require.Equal(t, target.AllUsersURI, policy.Grants[1].Grantee.URI, "group grantee")

	resp, err = client.Get(ctx, objectURL, s3request.WithAnonymous())
	mustStatus(t, resp, err, http.StatusOK, "anonymous GET after granting AllUsers READ")

	resp, err = client.Put(ctx, bucketURL, s3request.WithFlag("acl"), s3request.WithHeader("x-amz-acl", "public-read-write"))
	mustStatus(t, resp, err, http.StatusOK, "canned bucket ACL")

	resp, err = client.Put(ctx, bucketURL+"/anonymous", s3request.WithAnonymous(), s3request.WithContent([]byte("hi")))
	mustStatus(t, resp, err, http.StatusOK, "anonymous PUT into public-read-write bucket")
}

func TestInvalidACLBodies(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	bucketURL := createBucket(t, client, httpSrv.URL, "invalid-acl")

	for _, tc := range naming.InvalidACLBodies(ownerCreds.AccessKey) {
		t.Run(tc.Name, func(t *testing.T) {
			resp, err := client.Put(t.Context(), bucketURL, s3request.WithFlag("acl"), s3request.WithContent([]byte(tc.Body)))
			require.NoError(t, err, "PUT ?acl")
			s3Err, err := s3request.DecodeError(resp)
			require.NoError(t, err, "decoding S3 error XML")
			require.GreaterOrEqual(t, s3Err.StatusCode, 400, "invalid ACL rejected")
			require.Less(t, s3Err.StatusCode, 500, "invalid ACL is a client error")
		})
	}
}

func putKeys(t *testing.T, client *s3request.Client, bucketURL string, keys ...string) {
	t.Helper()
	for _, key := range keys {
		resp, err := client.Put(t.Context(), bucketURL+"/"+key, s3request.WithContent([]byte(key)))
		mustStatus(t, resp, err, http.StatusOK, "PUT "+key)
	}
}

func TestListObjects(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "listing")
	putKeys(t, client, bucketURL, "a/1", "a/2", "b/1", "c", "d")

	list := func(opts ...s3request.RequestOption) target.ListBucketResult {
		resp, err := client.Get(ctx, bucketURL, opts...)
		require.NoError(t, err, "GET bucket")
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "list status")
		var result target.ListBucketResult
		require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result), "decoding ListBucketResult")
		return result
	}

	all := list()
	require.Len(t, all.Contents, 5, "all keys listed")
	require.NotNil(t, all.Contents[0].Owner, "v1 listing includes the owner")

	grouped := list(s3request.WithQuery("delimiter", "/"))
	require.Len(t, grouped.CommonPrefixes, 2, "common prefixes")
	require.Equal(t, "a/", grouped.CommonPrefixes[0].Prefix, "first prefix")
	require.Len(t, grouped.Contents, 2, "top-level keys")

	var seen []string
	marker := ""
	for range 10 {
		page := list(s3request.WithQuery("delimiter", "/"), s3request.WithQuery("max-keys", "1"), s3request.WithQuery("marker", marker))
		for _, p := range page.CommonPrefixes {
			seen = append(seen, p.Prefix)
		}
		for _, c := range page.Contents {
			seen = append(seen, c.Key)
		}
		if !page.IsTruncated {
			break
		}
		marker = page.NextMarker
	}
	require.Equal(t, []string{"a/", "b/", "c", "d"}, seen, "paged listing visits each entry once")

	prefixed := list(s3request.WithQuery("prefix", "a/"))
	require.Len(t, prefixed.Contents, 2, "prefix filter")

	empty := list(s3request.WithQuery("max-keys", "0"))
	require.Empty(t, empty.Contents, "max-keys=0 lists nothing")
	require.False(t, empty.IsTruncated, "max-keys=0 is not truncated")

	resp, err := client.Get(ctx, bucketURL, s3request.WithQuery("max-keys", "-1"))
	mustError(t, resp, err, http.StatusBadRequest, "InvalidArgument", "negative max-keys")
}

func TestListObjectsV2(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "listing-v2")
	putKeys(t, client, bucketURL, "x/1", "x/2", "y", "z")

	var seen []string
	token := ""
	for range 10 {
		opts := []s3request.RequestOption{
			s3request.WithQuery("list-type", "2"),
			s3request.WithQuery("max-keys", "2"),
		}
		if token != "" {
			opts = append(opts, s3request.WithQuery("continuation-token", token))
		}
		resp, err := client.Get(ctx, bucketURL, opts...)
		require.NoError(t, err, "ListObjectsV2")
		var page target.ListBucketResultV2
		require.NoError(t, xml.NewDecoder(resp.Body).Decode(&page), "decoding ListBucketResultV2")
		resp.Body.Close()

		require.Equal(t, len(page.Contents), page.KeyCount, "key count")
		for _, c := range page.Contents {
			require.Nil(t, c.Owner, "owner omitted without fetch-owner")
			seen = append(seen, c.Key)
		}
		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	require.Equal(t, []string{"x/1", "x/2", "y", "z"}, seen, "continuation tokens walk every key")

	resp, err := client.Get(ctx, bucketURL, s3request.WithQuery("list-type", "2"), s3request.WithQuery("continuation-token", "%%%"))
	mustError(t, resp, err, http.StatusBadRequest, "InvalidArgument", "bad continuation token")
}

func TestDeleteObjects(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "batch-delete")
	putKeys(t, client, bucketURL, "one", "two")

	body := []byte(`<Delete><Object><Key>one</Key></Object><Object><Key>two</Key></Object><Object><Key>missing</Key></Object></Delete>`)
	resp, err := client.Do(ctx, http.MethodPost, bucketURL,
		s3request.WithFlag("delete"),
		s3request.WithContent(body),
		s3request.WithHeader("Content-MD5", auth.ContentMD5(body)),
	)
	require.NoError(t, err, "POST ?delete")
	var result target.DeleteResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result), "decoding DeleteResult")
	resp.Body.Close()
	require.Len(t, result.Deleted, 3, "every key reported deleted")
	require.Empty(t, result.Errors, "no errors")

	resp, err = client.Get(ctx, bucketURL)
	require.NoError(t, err, "list after delete")
	var list target.ListBucketResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&list), "decoding ListBucketResult")
	resp.Body.Close()
	require.Empty(t, list.Contents, "bucket is empty")
}

func TestCopyObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	client := newClient(ownerCreds)
	ctx := t.Context()
	srcURL := createBucket(t, client, httpSrv.URL, "copy-src")
	dstURL := createBucket(t, client, httpSrv.URL, "copy-dst")

	resp, err := client.Put(ctx, srcURL+"/key",
		s3request.WithContent([]byte("copy me")),
		s3request.WithHeader("x-amz-meta-origin", "source"),
	)
	mustStatus(t, resp, err, http.StatusOK, "PUT source")

	resp, err = client.Put(ctx, dstURL+"/copied", s3request.WithHeader("x-amz-copy-source", "/copy-src/key"))
	require.NoError(t, err, "copy object")
	var result target.CopyObjectResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result), "decoding CopyObjectResult")
	resp.Body.Close()
	require.Equal(t, `"`+md5Hex([]byte("copy me"))+`"`, result.ETag, "copy keeps the ETag")

	resp, err = client.Get(ctx, dstURL+"/copied")
	require.NoError(t, err, "GET copy")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "copy me", string(got), "copied body")
	require.Equal(t, "source", resp.Header.Get("x-amz-meta-origin"), "COPY directive keeps metadata")

	resp, err = client.Put(ctx, srcURL+"/key", s3request.WithHeader("x-amz-copy-source", "/copy-src/key"))
	mustError(t, resp, err, http.StatusBadRequest, "InvalidRequest", "copy onto itself without changes")

	resp, err = client.Put(ctx, srcURL+"/key",
		s3request.WithHeader("x-amz-copy-source", "/copy-src/key"),
		s3request.WithHeader("x-amz-metadata-directive", "REPLACE"),
		s3request.WithHeader("x-amz-meta-origin", "replaced"),
	)
	mustStatus(t, resp, err, http.StatusOK, "copy onto itself with REPLACE")

	resp, err = client.Head(ctx, srcURL+"/key")
	require.NoError(t, err, "HEAD replaced")
	resp.Body.Close()
	require.Equal(t, "replaced", resp.Header.Get("x-amz-meta-origin"), "REPLACE directive swaps metadata")

	resp, err = client.Put(ctx, dstURL+"/nothing", s3request.WithHeader("x-amz-copy-source", "/copy-src/missing"))
	mustError(t, resp, err, http.StatusNotFound, "NoSuchKey", "copy of a missing key")
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()

	const minPart = 1024
	_, httpSrv := newTestServer(t, target.WithMinPartSize(minPart))
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "multipart")
	objectURL := bucketURL + "/assembled"

	resp, err := client.Do(ctx, http.MethodPost, objectURL, s3request.WithFlag("uploads"), s3request.WithContentType("text/plain"))
	require.NoError(t, err, "initiate upload")
	var initiated target.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&initiated), "decoding InitiateMultipartUploadResult")
	resp.Body.Close()
	require.NotEmpty(t, initiated.UploadID, "upload id")

	parts := [][]byte{
		bytes.Repeat([]byte("a"), minPart),
		bytes.Repeat([]byte("b"), minPart+10),
		[]byte("tail"),
	}
	var complete target.CompleteMultipartUpload
	var digests []byte
	for i, data := range parts {
		resp, err := client.Put(ctx, objectURL,
			s3request.WithQuery("partNumber", strconv.Itoa(i+1)),
			s3request.WithQuery("uploadId", initiated.UploadID),
			s3request.WithContent(data),
		)
		require.NoError(t, err, "upload part")
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "part status")
		complete.Parts = append(complete.Parts, target.CompletePart{PartNumber: i + 1, ETag: resp.Header.Get("ETag")})
		sum := md5.Sum(data)
		digests = append(digests, sum[:]...)
	}

	resp, err = client.Get(ctx, objectURL, s3request.WithQuery("uploadId", initiated.UploadID))
	require.NoError(t, err, "list parts")
	var listed target.ListPartsResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&listed), "decoding ListPartsResult")
	resp.Body.Close()
	require.Len(t, listed.Parts, 3, "listed parts")

	reversed := target.CompleteMultipartUpload{Parts: []target.CompletePart{complete.Parts[1], complete.Parts[0]}}
	out, err := xml.Marshal(reversed)
	require.NoError(t, err, "marshal reversed")
	resp, err = client.Do(ctx, http.MethodPost, objectURL, s3request.WithQuery("uploadId", initiated.UploadID), s3request.WithContent(out))
	mustError(t, resp, err, http.StatusBadRequest, "InvalidPartOrder", "parts out of order")

	out, err = xml.Marshal(complete)
	require.NoError(t, err, "marshal complete")
	resp, err = client.Do(ctx, http.MethodPost, objectURL, s3request.WithQuery("uploadId", initiated.UploadID), s3request.WithContent(out))
	require.NoError(t, err, "complete upload")
	var completed target.CompleteMultipartUploadResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&completed), "decoding CompleteMultipartUploadResult")
	resp.Body.Close()

	sum := md5.Sum(digests)
	require.Equal(t, `"`+hex.EncodeToString(sum[:])+"-3"+`"`, completed.ETag, "multipart ETag")

	resp, err = client.Get(ctx, objectURL)
	require.NoError(t, err, "GET assembled")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, bytes.Join(parts, nil), got, "assembled body")
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "content type from initiation")

	resp, err = client.Get(ctx, objectURL, s3request.WithQuery("uploadId", initiated.UploadID))
	mustError(t, resp, err, http.StatusNotFound, "NoSuchUpload", "completed upload is gone")
}

func TestMultipartUpload_EntityTooSmallAndAbort(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t, target.WithMinPartSize(1024))
	client := newClient(ownerCreds)
	ctx := t.Context()
	bucketURL := createBucket(t, client, httpSrv.URL, "multipart-small")
	objectURL := bucketURL + "/small"

	resp, err := client.Do(ctx, http.MethodPost, objectURL, s3request.WithFlag("uploads"))
	require.NoError(t, err, "initiate upload")
	var initiated target.InitiateMultipartUploadResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&initiated), "decoding InitiateMultipartUploadResult")
	resp.Body.Close()

	var complete target.CompleteMultipartUpload
	for i, data := range []string{"tiny", "tail"} {
		resp, err := client.Put(ctx, objectURL,
			s3request.WithQuery("partNumber", strconv.Itoa(i+1)),
			s3request.WithQuery("uploadId", initiated.UploadID),
			s3request.WithContent([]byte(data)),
		)
		require.NoError(t, err, "upload part")
		resp.Body.Close()
		complete.Parts = append(complete.Parts, target.CompletePart{PartNumber: i + 1, ETag: resp.Header.Get("ETag")})
	}

	resp, err = client.Get(ctx, bucketURL, s3request.WithFlag("uploads"))
	require.NoError(t, err, "list uploads")
	var uploads target.ListMultipartUploadsResult
	require.NoError(t, xml.NewDecoder(resp.Body).Decode(&uploads), "decoding ListMultipartUploadsResult")
	resp.Body.Close()
	require.Len(t, uploads.Uploads, 1, "one upload in progress")

	out, err := xml.Marshal(complete)
	require.NoError(t, err, "marshal complete")
	resp, err = client.Do(ctx, http.MethodPost, objectURL, s3request.WithQuery("uploadId", initiated.UploadID), s3request.WithContent(out))
	mustError(t, resp, err, http.StatusBadRequest, "EntityTooSmall", "undersized first part")

	resp, err = client.Delete(ctx, objectURL, s3request.WithQuery("uploadId", initiated.UploadID))
	mustStatus(t, resp, err, http.StatusNoContent, "abort upload")

	resp, err = client.Delete(ctx, objectURL, s3request.WithQuery("uploadId", initiated.UploadID))
	mustError(t, resp, err, http.StatusNotFound, "NoSuchUpload", "abort twice")
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New("target")
	_, httpSrv := newTestServer(t, target.WithMetrics(m))
	client := newClient(ownerCreds)

	createBucket(t, client, httpSrv.URL, "metered")
	resp, err := client.Get(t.Context(), httpSrv.URL+"/missing-bucket")
	mustStatus(t, resp, err, http.StatusNotFound, "GET missing bucket")

	require.Equal(t, 1.0, m.Count(http.MethodPut, "200"), "bucket creation counted")
	require.Equal(t, 1.0, m.Count(http.MethodGet, "404"), "missing bucket counted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.True(t, strings.Contains(rec.Body.String(), "s3probe_target_requests_total"), "exposition lists the counter")
}
