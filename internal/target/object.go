package target

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"s3probe/internal/chunked"
	"s3probe/internal/storage"
)

const defaultContentType = "binary/octet-stream"

// objectSubresources are recognized on object URLs but not served.
var objectSubresources = []string{
	"tagging", "retention", "legal-hold", "restore", "torrent", "select", "attributes",
}

// responseOverrides maps GET query parameters to the headers they replace.
var responseOverrides = map[string]string{
	"response-content-type":        "Content-Type",
	"response-content-language":    "Content-Language",
	"response-expires":             "Expires",
	"response-cache-control":       "Cache-Control",
	"response-content-disposition": "Content-Disposition",
	"response-content-encoding":    "Content-Encoding",
}

// bodyReader records the first error returned by the request body so
// truncated uploads can be told apart from local failures.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && b.err == nil {
		b.err = err
	}
	return n, err
}

// errMalformedChunk marks a body whose aws-chunked framing could not be
// decoded.
var errMalformedChunk = errors.New("malformed chunked payload")

// isAWSChunked reports whether the request body carries aws-chunked
// framing on top of any transfer encoding.
func isAWSChunked(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Content-Encoding"), ",") {
		if strings.TrimSpace(enc) == "aws-chunked" {
			return true
		}
	}
	return strings.HasPrefix(r.Header.Get("x-amz-content-sha256"), "STREAMING-")
}

func decodeAWSChunked(dst io.Writer, src io.Reader) error {
	err := chunked.DecodeTo(src, func(chunk []byte) error {
		_, err := dst.Write(chunk)
		return err
	})
	if err != nil {
		return errors.Join(errMalformedChunk, err)
	}
	return nil
}

// spoolBody writes the request body to a temporary file, decoding
// aws-chunked framing when present. On failure the error response has
// already been written and nil is returned.
func (s *Server) spoolBody(w http.ResponseWriter, r *http.Request) *storage.Spooled {
	body := &bodyReader{r: r.Body}

	var fill func(dst io.Writer, src io.Reader) error
	if isAWSChunked(r) {
		fill = decodeAWSChunked
	}

	spooled, err := storage.Spool(s.tmpDir(), body, fill)
	switch {
	case err == nil:
	case body.err != nil:
		slog.Warn("Request body", "err", body.err)
		writeS3Error(w, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", r.URL.Path, http.StatusBadRequest)
		return nil
	case errors.Is(err, errMalformedChunk):
		writeS3Error(w, "InvalidChunkSizeError", "Only the last chunk is allowed to have a size less than 8192 bytes or the chunk encoding is malformed.", r.URL.Path, http.StatusBadRequest)
		return nil
	default:
		slog.Error("Spool request body", "err", err)
		writeInternalError(w, r)
		return nil
	}

	if decoded := r.Header.Get("x-amz-decoded-content-length"); decoded != "" && fill != nil {
		if n, err := strconv.ParseInt(decoded, 10, 64); err != nil || n != spooled.Size {
			_ = spooled.Remove()
			writeS3Error(w, "IncompleteBody", "The decoded body does not match x-amz-decoded-content-length.", r.URL.Path, http.StatusBadRequest)
			return nil
		}
	}

	if !checkContentMD5(w, r, spooled.MD5) {
		_ = spooled.Remove()
		return nil
	}

	return spooled
}

// checkContentMD5 compares a Content-MD5 header, when present, against the
// received payload's hex digest.
func checkContentMD5(w http.ResponseWriter, r *http.Request, md5Hex string) bool {
	values, ok := r.Header["Content-Md5"]
	if !ok {
		return true
	}

	want, err := base64.StdEncoding.DecodeString(strings.Join(values, ""))
	if err != nil || len(want) != 16 {
		writeS3Error(w, "InvalidDigest", "The Content-MD5 you specified is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	if hex.EncodeToString(want) != md5Hex {
		writeS3Error(w, "BadDigest", "The Content-MD5 you specified did not match what we received.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// requester returns the access key of the caller, falling back to the
// bucket owner for anonymous writes.
func (s *Server) requester(ctx context.Context, bucket string) string {
	if user := userFromContext(ctx); user != nil {
		return user.AccessKeyID
	}
	owner, _ := s.bucketOwner(ctx, bucket)
	return owner
}

// requestGrants expands x-amz-acl for a new object.
func (s *Server) requestGrants(w http.ResponseWriter, r *http.Request, bucket, owner string) ([]Grant, bool) {
	bucketOwner, _ := s.bucketOwner(r.Context(), bucket)
	grants, err := cannedGrants(r.Header.Get("x-amz-acl"), owner, bucketOwner)
	var aclErr *aclError
	if errors.As(err, &aclErr) {
		writeS3Error(w, aclErr.Code, aclErr.Message, r.URL.Path, http.StatusBadRequest)
		return nil, false
	}
	return grants, true
}

func contentTypeOf(h http.Header) sql.NullString {
	ct := h.Get("Content-Type")
	return sql.NullString{String: ct, Valid: ct != ""}
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("partNumber") && q.Has("uploadId"):
		s.handleUploadPart(w, r, bucket, key)
		return
	case q.Has("acl"):
		s.handlePutACL(w, r, bucket, key)
		return
	}

	if name, ok := unsupportedSubresource(r, objectSubresources); ok {
		s.writeNotImplemented(w, r, "PUT ?"+name)
		return
	}

	if r.Header.Get("x-amz-copy-source") != "" {
		s.handleCopyObject(w, r, bucket, key)
		return
	}

	s.putObject(w, r, bucket, key)
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	ctx := r.Context()
	owner := s.requester(ctx, bucket)
	grants, ok := s.requestGrants(w, r, bucket, owner)
	if !ok {
		return
	}

	spooled := s.spoolBody(w, r)
	if spooled == nil {
		return
	}
	defer spooled.Remove()

	if err := s.Config.Engine.PutObjectFromFile(bucket, spooled.MD5, spooled.Path, spooled.Size); err != nil {
		slog.Error("Store payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	rec := objectRecord{
		Hash:        spooled.MD5,
		ETag:        spooled.MD5,
		Size:        spooled.Size,
		ContentType: contentTypeOf(r.Header),
		Metadata:    userMetadata(r.Header),
		Owner:       owner,
		ModifiedAt:  time.Now().UTC(),
	}
	if err := s.replaceObject(ctx, bucket, key, rec, grants); err != nil {
		slog.Error("Record object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(rec.ETag))
	w.WriteHeader(http.StatusOK)
}

// replaceObject records rec and releases the payload the key pointed to
// before, if nothing else references it.
func (s *Server) replaceObject(ctx context.Context, bucket, key string, rec objectRecord, grants []Grant) error {
	previous, err := s.lookupObject(ctx, bucket, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if err := s.upsertObject(ctx, bucket, key, rec, grants); err != nil {
		return err
	}

	if previous.Hash != "" && previous.Hash != rec.Hash {
		s.releasePayload(ctx, bucket, previous.Hash)
	}
	return nil
}

// releasePayload removes a payload no object in bucket refers to anymore.
func (s *Server) releasePayload(ctx context.Context, bucket, hash string) {
	var count int
	if err := s.Db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ? AND hash = ?`, bucket, hash).Scan(&count); err != nil || count > 0 {
		return
	}
	if err := s.Config.Engine.DeleteObject(bucket, hash); err != nil {
		slog.Warn("Release payload", "bucket", bucket, "hash", hash, "err", err)
	}
}

// parseCopySource splits an x-amz-copy-source value into bucket and key.
func parseCopySource(value string) (string, string, bool) {
	value, _, _ = strings.Cut(value, "?")
	unescaped, err := url.PathUnescape(value)
	if err != nil {
		return "", "", false
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(unescaped, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		writeS3Error(w, "InvalidArgument", "Copy Source must mention the source bucket and key: sourcebucket/sourcekey.", r.URL.Path, http.StatusBadRequest)
		return
	}

	directive := r.Header.Get("x-amz-metadata-directive")
	switch directive {
	case "", "COPY", "REPLACE":
	default:
		writeS3Error(w, "InvalidArgument", "Unknown metadata directive.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if srcBucket == bucket && srcKey == key && directive != "REPLACE" {
		writeS3Error(w, "InvalidRequest", "This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata, storage class, website redirect location or encryption attributes.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if !s.authorize(w, r, srcBucket, srcKey, PermRead) || !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	ctx := r.Context()
	src, err := s.lookupObject(ctx, srcBucket, srcKey)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup copy source", "bucket", srcBucket, "key", srcKey, "err", err)
		writeInternalError(w, r)
		return
	}

	owner := s.requester(ctx, bucket)
	grants, ok := s.requestGrants(w, r, bucket, owner)
	if !ok {
		return
	}

	if err := s.Config.Engine.CopyObject(srcBucket, src.Hash, bucket); err != nil {
		slog.Error("Copy payload", "from", srcBucket, "to", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	rec := src
	rec.Owner = owner
	rec.ModifiedAt = time.Now().UTC()
	if directive == "REPLACE" {
		rec.ContentType = contentTypeOf(r.Header)
		rec.Metadata = userMetadata(r.Header)
	}

	if err := s.replaceObject(ctx, bucket, key, rec, grants); err != nil {
		slog.Error("Record copied object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	_ = writeXMLResponse(w, CopyObjectResult{
		XMLNS:        s3XMLNamespace,
		LastModified: formatTime(rec.ModifiedAt),
		ETag:         createETag(rec.ETag),
	})
}

// handleObjectGet serves GET and HEAD on an object, including range and
// conditional requests.
func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, bucket, key string) {
	q := r.URL.Query()
	switch {
	case q.Has("acl"):
		s.handleGetACL(w, r, bucket, key)
		return
	case q.Has("uploadId") && r.Method == http.MethodGet:
		s.handleListParts(w, r, bucket, key)
		return
	}

	if name, ok := unsupportedSubresource(r, objectSubresources); ok {
		s.writeNotImplemented(w, r, r.Method+" ?"+name)
		return
	}

	if !s.authorize(w, r, bucket, key, PermRead) {
		return
	}

	ctx := r.Context()
	rec, err := s.lookupObject(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	f, err := s.Config.Engine.OpenObject(bucket, rec.Hash)
	if err != nil {
		slog.Error("Open payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("ETag", createETag(rec.ETag))
	h.Set("Accept-Ranges", "bytes")
	if rec.ContentType.Valid {
		h.Set("Content-Type", rec.ContentType.String)
	} else {
		h.Set("Content-Type", defaultContentType)
	}
	for name, value := range rec.Metadata {
		h.Set(name, value)
	}

	for param, header := range responseOverrides {
		if q.Has(param) {
			if userFromContext(ctx) == nil {
				writeS3Error(w, "InvalidRequest", "Request specific response headers cannot be used for anonymous GET requests.", r.URL.Path, http.StatusBadRequest)
				return
			}
			h.Set(header, q.Get(param))
		}
	}

	http.ServeContent(w, r, key, rec.ModifiedAt, f)
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if r.URL.Query().Has("uploadId") {
		s.handleAbortMultipartUpload(w, r, bucket, key)
		return
	}

	if name, ok := unsupportedSubresource(r, objectSubresources); ok {
		s.writeNotImplemented(w, r, "DELETE ?"+name)
		return
	}

	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	if err := s.deleteObject(r.Context(), bucket, key); err != nil {
		slog.Error("Delete object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// deleteObject removes an object and its grants. A missing key is not an
// error.
func (s *Server) deleteObject(ctx context.Context, bucket, key string) error {
	var hash string
	err := withTransaction(ctx, s.Db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT hash FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
			return err
		}
		return replaceGrants(ctx, tx, bucket, key, nil)
	})
	if err != nil {
		return err
	}

	if hash != "" {
		s.releasePayload(ctx, bucket, hash)
	}
	return nil
}

func (s *Server) handleObjectPost(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(w, r, bucket, key)
	default:
		s.writeNotImplemented(w, r, "POST")
	}
}
