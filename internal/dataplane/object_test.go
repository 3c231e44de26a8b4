package dataplane_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"

	"s3probe/internal/auth"
	"s3probe/internal/catalog"
	"s3probe/internal/chunked"
	"s3probe/internal/fixture"
	"s3probe/internal/naming"
	"s3probe/internal/payload"
	"s3probe/internal/s3request"
)

func TestObjectPutGetMD5(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_put_get_md5"))

	b := env.NewBucket(t, false)
	key := naming.UniqueKeyName()
	data := []byte("hello conformance")
	sum := md5.Sum(data)

	resp, err := env.Requests.Put(t.Context(), env.ObjectURL(b.Name, key),
		s3request.WithContent(data),
		s3request.WithContentType("text/plain"),
		s3request.WithHeader("Content-MD5", auth.ContentMD5(data)),
	)
	require.NoError(t, err, "PUT object")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT status")
	require.Equal(t, `"`+hex.EncodeToString(sum[:])+`"`, resp.Header.Get("ETag"), "ETag is the body MD5")

	resp, err = env.Requests.Get(t.Context(), env.ObjectURL(b.Name, key))
	require.NoError(t, err, "GET object")
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read body")
	require.Equal(t, data, got, "round-tripped body")
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "content type")
}

func TestObjectBadDigest(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_bad_digest"))

	b := env.NewBucket(t, false)
	key := naming.UniqueKeyName()

	resp, err := env.Requests.Put(t.Context(), env.ObjectURL(b.Name, key),
		s3request.WithContent([]byte("actual body")),
		s3request.WithHeader("Content-MD5", auth.ContentMD5([]byte("another body"))),
	)
	requireS3Error(t, resp, err, http.StatusBadRequest, "BadDigest")

	_, err = env.Client.StatObject(t.Context(), b.Name, key, minio.StatObjectOptions{})
	require.Equal(t, "NoSuchKey", minio.ToErrorResponse(err).Code, "nothing stored")
}

func TestObjectChunkedUpload(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_chunked_upload"))

	b := env.NewBucket(t, false)
	chunks := []string{"first chunk ", "second, longer chunk ", "x"}

	t.Run("strings", func(t *testing.T) {
		key := naming.UniqueKeyName()
		resp, err := chunked.UploadStrings(t.Context(), env.Requests, env.BucketURL(b.Name), key, chunks)
		requireStatus(t, resp, err, http.StatusOK)

		obj, err := env.Client.GetObject(t.Context(), b.Name, key, minio.GetObjectOptions{})
		require.NoError(t, err, "get object")
		defer obj.Close()
		got, err := io.ReadAll(obj)
		require.NoError(t, err, "read object")
		require.Equal(t, strings.Join(chunks, ""), string(got), "decoded body stored")
	})

	t.Run("file", func(t *testing.T) {
		const size = 3*payload.BlockSize + 17
		path := t.TempDir() + "/source"
		require.NoError(t, payload.GenerateFile(path, size), "generate source")
		sum, err := payload.Checksum(size)
		require.NoError(t, err, "predict checksum")

		key := naming.UniqueKeyName()
		resp, err := chunked.UploadFile(t.Context(), env.Requests, env.BucketURL(b.Name), key, path, []int{1000, payload.BlockSize, 1})
		requireStatus(t, resp, err, http.StatusOK)

		info, err := env.Client.StatObject(t.Context(), b.Name, key, minio.StatObjectOptions{})
		require.NoError(t, err, "stat object")
		require.EqualValues(t, size, info.Size, "stored size")
		require.Equal(t, sum, info.ETag, "stored checksum")
	})
}

func TestObjectChunkedUploadMalformed(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_chunked_upload_malformed"))

	b := env.NewBucket(t, false)
	path := t.TempDir() + "/source"
	require.NoError(t, payload.GenerateFile(path, payload.BlockSize), "generate source")

	key := naming.UniqueKeyName()
	resp, err := chunked.UploadFile(t.Context(), env.Requests, env.BucketURL(b.Name), key, path, []int{16, -1})
	require.NoError(t, err, "upload")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "malformed frame rejected")

	keys, err := env.ListKeys(t.Context(), env.Client, b.Name, "", 0)
	require.NoError(t, err, "list bucket")
	require.Empty(t, keys, "nothing stored")
}

func testSyntheticUpload(t *testing.T, size int64) {
	b := env.NewBucket(t, false)
	key := naming.UniqueKeyName()

	resp, sum, err := env.Requests.UploadSynthetic(t.Context(), env.BucketURL(b.Name), key, size)
	requireStatus(t, resp, err, http.StatusOK)
	require.Equal(t, `"`+sum+`"`, resp.Header.Get("ETag"), "ETag matches what was sent")

	want, err := payload.Checksum(size)
	require.NoError(t, err, "predict checksum")
	require.Equal(t, want, sum, "generator is deterministic")

	info, err := env.Client.StatObject(t.Context(), b.Name, key, minio.StatObjectOptions{})
	require.NoError(t, err, "stat object")
	require.Equal(t, size, info.Size, "stored size")
}

func TestObjectSyntheticUpload(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_synthetic_upload"))

	for _, size := range []int64{0, 1, payload.BlockSize - 1, payload.BlockSize, 5*payload.BlockSize + 123} {
		t.Run(strconv.FormatInt(size, 10), func(t *testing.T) {
			testSyntheticUpload(t, size)
		})
	}
}

func TestObjectSyntheticUploadLarge(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_synthetic_upload_large"))

	testSyntheticUpload(t, 1<<30+12345)
}

func TestObjectPostUpload(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_post_upload"))

	b := env.NewBucket(t, false)
	key := naming.UniqueKeyName()

	resp, err := env.Requests.PostString(t.Context(), env.BucketURL(b.Name)+"/", key, "posted body",
		s3request.Field{Name: "x-amz-meta-color", Value: "blue"})
	require.NoError(t, err, "POST object")
	resp.Body.Close()
	require.GreaterOrEqual(t, resp.StatusCode, 200, "POST succeeds")
	require.Less(t, resp.StatusCode, 300, "POST succeeds")

	resp, err = env.Requests.Get(t.Context(), env.ObjectURL(b.Name, key))
	require.NoError(t, err, "GET posted object")
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read body")
	require.Equal(t, "posted body", string(got), "posted content")
	require.Equal(t, "blue", resp.Header.Get("x-amz-meta-color"), "posted metadata")
}

func TestObjectPostExpiredPolicy(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_post_expired_policy"))

	b := env.NewBucket(t, false)
	resp, err := env.Requests.Post(t.Context(), s3request.PostUpload{
		BucketURL:  env.BucketURL(b.Name) + "/",
		Key:        naming.UniqueKeyName(),
		Content:    []byte("too late"),
		Expiration: time.Now().Add(-time.Minute),
	})
	requireS3Error(t, resp, err, http.StatusForbidden, "")
}

func TestObjectACLInvalidBodies(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("object_acl_invalid_bodies"))

	b := env.NewBucket(t, false)
	owner := bucketOwner(t, b.Name)

	for _, tc := range naming.InvalidACLBodies(owner) {
		t.Run(tc.Name, func(t *testing.T) {
			resp, err := env.Requests.Put(t.Context(), env.BucketURL(b.Name), s3request.WithFlag("acl"), s3request.WithContent([]byte(tc.Body)))
			require.NoError(t, err, "PUT ?acl")
			defer resp.Body.Close()
			require.GreaterOrEqual(t, resp.StatusCode, 400, "invalid ACL rejected")
			require.Less(t, resp.StatusCode, 500, "invalid ACL is a client error")
		})
	}

	resp, err := env.Requests.Put(t.Context(), env.BucketURL(b.Name), s3request.WithFlag("acl"), s3request.WithContent([]byte(naming.ValidACL(owner))))
	requireStatus(t, resp, err, http.StatusOK)
}

func TestMultipartEntityTooSmall(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("multipart_entity_too_small"))

	b := env.NewBucket(t, false)
	key := naming.UniqueKeyName()
	core := &minio.Core{Client: env.Client}
	ctx := t.Context()

	uploadID, err := core.NewMultipartUpload(ctx, b.Name, key, minio.PutObjectOptions{})
	require.NoError(t, err, "initiate upload")

	var parts []minio.CompletePart
	for i, data := range []string{"tiny", "tail"} {
		part, err := core.PutObjectPart(ctx, b.Name, key, uploadID, i+1, strings.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		require.NoError(t, err, "upload part %d", i+1)
		parts = append(parts, minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag})
	}

	_, err = core.CompleteMultipartUpload(ctx, b.Name, key, uploadID, parts, minio.PutObjectOptions{})
	require.Error(t, err, "complete with an undersized first part")
	require.Equal(t, "EntityTooSmall", minio.ToErrorResponse(err).Code, "error code")

	require.NoError(t, core.AbortMultipartUpload(ctx, b.Name, key, uploadID), "abort upload")
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()
	env.Gate(t, catalog.Must("multipart_upload"))

	b := env.NewBucket(t, false)
	key := naming.UniqueKeyName()
	core := &minio.Core{Client: env.Client}
	ctx := t.Context()

	uploadID, err := core.NewMultipartUpload(ctx, b.Name, key, minio.PutObjectOptions{})
	require.NoError(t, err, "initiate upload")

	sizes := []int{fixture.MinPartSize, fixture.MinPartSize, 1234}
	var (
		parts []minio.CompletePart
		whole bytes.Buffer
		sums  []byte
	)
	for i, size := range sizes {
		data := bytes.Repeat([]byte{byte('a' + i)}, size)
		whole.Write(data)
		part, err := core.PutObjectPart(ctx, b.Name, key, uploadID, i+1, bytes.NewReader(data), int64(size), minio.PutObjectPartOptions{})
		require.NoError(t, err, "upload part %d", i+1)

		sum := md5.Sum(data)
		require.Equal(t, hex.EncodeToString(sum[:]), part.ETag, "part %d ETag", i+1)
		sums = append(sums, sum[:]...)
		parts = append(parts, minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag})
	}

	info, err := core.CompleteMultipartUpload(ctx, b.Name, key, uploadID, parts, minio.PutObjectOptions{})
	require.NoError(t, err, "complete upload")
	want := md5.Sum(sums)
	require.Equal(t, fmt.Sprintf("%s-%d", hex.EncodeToString(want[:]), len(sizes)), strings.Trim(info.ETag, `"`), "multipart ETag")

	obj, err := env.Client.GetObject(ctx, b.Name, key, minio.GetObjectOptions{})
	require.NoError(t, err, "get object")
	defer obj.Close()
	got, err := io.ReadAll(obj)
	require.NoError(t, err, "read object")
	require.Equal(t, whole.Len(), len(got), "assembled size")
	require.True(t, bytes.Equal(whole.Bytes(), got), "parts assembled in order")
}
