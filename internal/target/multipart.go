package target

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"s3probe/internal/storage"

	"github.com/google/uuid"
)

const maxPartNumber = 10000

type uploadRecord struct {
	Bucket      string
	Key         string
	ContentType sql.NullString
	Metadata    string
	ACL         string
	Owner       string
}

// lookupUpload writes NoSuchUpload and returns false when id does not name
// an upload of bucket/key.
func (s *Server) lookupUpload(w http.ResponseWriter, r *http.Request, bucket, key, id string) (uploadRecord, bool) {
	var rec uploadRecord
	err := s.Db.QueryRowContext(r.Context(),
		`SELECT bucket, key, content_type, metadata, acl, owner FROM uploads WHERE id = ?`, id,
	).Scan(&rec.Bucket, &rec.Key, &rec.ContentType, &rec.Metadata, &rec.ACL, &rec.Owner)
	if err == nil && rec.Bucket == bucket && rec.Key == key {
		return rec, true
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		slog.Error("Lookup upload", "upload_id", id, "err", err)
		writeInternalError(w, r)
		return rec, false
	}
	writeS3Error(w, "NoSuchUpload", "The specified multipart upload does not exist. The upload ID might be invalid, or the multipart upload might have been aborted or completed.", r.URL.Path, http.StatusNotFound)
	return rec, false
}

func partPath(dir string, number int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%06d", number))
}

func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	ctx := r.Context()
	owner := s.requester(ctx, bucket)
	if _, ok := s.requestGrants(w, r, bucket, owner); !ok {
		return
	}

	meta, err := json.Marshal(userMetadata(r.Header))
	if err != nil {
		writeInternalError(w, r)
		return
	}

	id := uuid.NewString()
	var contentType any
	if ct := contentTypeOf(r.Header); ct.Valid {
		contentType = ct.String
	}

	_, err = s.Db.ExecContext(ctx,
		`INSERT INTO uploads(id, bucket, key, content_type, metadata, acl, owner, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		id, bucket, key, contentType, string(meta), r.Header.Get("x-amz-acl"), owner, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("Create upload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if err := os.MkdirAll(s.uploadDir(id), 0o755); err != nil {
		slog.Error("Create upload dir", "upload_id", id, "err", err)
		writeInternalError(w, r)
		return
	}

	_ = writeXMLResponse(w, InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: id,
	})
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, bucket, key string) {
	q := r.URL.Query()

	number, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || number < 1 || number > maxPartNumber {
		writeS3Error(w, "InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if r.Header.Get("x-amz-copy-source") != "" {
		s.writeNotImplemented(w, r, "UploadPartCopy")
		return
	}

	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	id := q.Get("uploadId")
	if _, ok := s.lookupUpload(w, r, bucket, key, id); !ok {
		return
	}

	spooled := s.spoolBody(w, r)
	if spooled == nil {
		return
	}
	defer spooled.Remove()

	if err := storage.MoveFile(spooled.Path, partPath(s.uploadDir(id), number)); err != nil {
		slog.Error("Store part", "upload_id", id, "part", number, "err", err)
		writeInternalError(w, r)
		return
	}

	_, err = s.Db.ExecContext(r.Context(),
		`INSERT INTO parts(upload_id, part_number, etag, size, modified_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(upload_id, part_number) DO UPDATE SET etag=excluded.etag, size=excluded.size, modified_at=excluded.modified_at`,
		id, number, spooled.MD5, spooled.Size, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("Record part", "upload_id", id, "part", number, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(spooled.MD5))
	w.WriteHeader(http.StatusOK)
}

type partRecord struct {
	Number     int
	ETag       string
	Size       int64
	ModifiedAt time.Time
}

func (s *Server) loadParts(ctx context.Context, id string) ([]partRecord, error) {
	rows, err := s.Db.QueryContext(ctx,
		`SELECT part_number, etag, size, modified_at FROM parts WHERE upload_id = ? ORDER BY part_number`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []partRecord
	for rows.Next() {
		var p partRecord
		if err := rows.Scan(&p.Number, &p.ETag, &p.Size, &p.ModifiedAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	id := r.URL.Query().Get("uploadId")
	if _, ok := s.lookupUpload(w, r, bucket, key, id); !ok {
		return
	}

	parts, err := s.loadParts(r.Context(), id)
	if err != nil {
		writeInternalError(w, r)
		return
	}

	result := ListPartsResult{XMLNS: s3XMLNamespace, Bucket: bucket, Key: key, UploadID: id}
	for _, p := range parts {
		result.Parts = append(result.Parts, PartSummary{
			PartNumber:   p.Number,
			LastModified: formatTime(p.ModifiedAt),
			ETag:         createETag(p.ETag),
			Size:         p.Size,
		})
	}

	_ = writeXMLResponse(w, result)
}

func (s *Server) handleListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.authorize(w, r, bucket, "", PermRead) {
		return
	}

	prefix := r.URL.Query().Get("prefix")
	rows, err := s.Db.QueryContext(r.Context(),
		`SELECT key, id, created_at FROM uploads WHERE bucket = ? AND substr(key, 1, ?) = ? ORDER BY key, created_at`,
		bucket, len([]rune(prefix)), prefix,
	)
	if err != nil {
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	result := ListMultipartUploadsResult{XMLNS: s3XMLNamespace, Bucket: bucket}
	for rows.Next() {
		var (
			u       UploadSummary
			created time.Time
		)
		if err := rows.Scan(&u.Key, &u.UploadID, &created); err != nil {
			writeInternalError(w, r)
			return
		}
		u.Initiated = formatTime(created)
		result.Uploads = append(result.Uploads, u)
	}
	if err := rows.Err(); err != nil {
		writeInternalError(w, r)
		return
	}

	_ = writeXMLResponse(w, result)
}

func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	id := r.URL.Query().Get("uploadId")
	if _, ok := s.lookupUpload(w, r, bucket, key, id); !ok {
		return
	}

	if _, err := s.Db.ExecContext(r.Context(), `DELETE FROM uploads WHERE id = ?`, id); err != nil {
		writeInternalError(w, r)
		return
	}
	if err := os.RemoveAll(s.uploadDir(id)); err != nil {
		slog.Warn("Remove upload parts", "upload_id", id, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// multipartETag is the MD5 of the concatenated binary part digests followed
// by the part count.
func multipartETag(parts []partRecord) (string, error) {
	h := md5.New()
	for _, p := range parts {
		sum, err := hex.DecodeString(p.ETag)
		if err != nil {
			return "", err
		}
		h.Write(sum)
	}
	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(parts)), nil
}

func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	ctx := r.Context()
	id := r.URL.Query().Get("uploadId")
	upload, ok := s.lookupUpload(w, r, bucket, key, id)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeS3Error(w, "IncompleteBody", "The request body terminated unexpectedly.", r.URL.Path, http.StatusBadRequest)
		return
	}
	var req CompleteMultipartUpload
	if err := xml.Unmarshal(body, &req); err != nil || len(req.Parts) == 0 {
		writeMalformedXMLError(w, r)
		return
	}

	stored, err := s.loadParts(ctx, id)
	if err != nil {
		writeInternalError(w, r)
		return
	}
	byNumber := make(map[int]partRecord, len(stored))
	for _, p := range stored {
		byNumber[p.Number] = p
	}

	selected := make([]partRecord, 0, len(req.Parts))
	for i, part := range req.Parts {
		if i > 0 && part.PartNumber <= req.Parts[i-1].PartNumber {
			writeS3Error(w, "InvalidPartOrder", "The list of parts was not in ascending order. Parts must be ordered by part number.", r.URL.Path, http.StatusBadRequest)
			return
		}
		p, ok := byNumber[part.PartNumber]
		if !ok || strings.Trim(part.ETag, `"`) != p.ETag {
			writeS3Error(w, "InvalidPart", "One or more of the specified parts could not be found.", r.URL.Path, http.StatusBadRequest)
			return
		}
		selected = append(selected, p)
	}

	for _, p := range selected[:len(selected)-1] {
		if p.Size < s.Config.MinPartSize {
			writeS3Error(w, "EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	etag, err := multipartETag(selected)
	if err != nil {
		writeInternalError(w, r)
		return
	}

	dir := s.uploadDir(id)
	spooled, err := storage.Spool(s.tmpDir(), nil, func(dst io.Writer, _ io.Reader) error {
		for _, p := range selected {
			if err := appendFile(dst, partPath(dir, p.Number)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("Assemble upload", "upload_id", id, "err", err)
		writeInternalError(w, r)
		return
	}
	defer spooled.Remove()

	if err := s.Config.Engine.PutObjectFromFile(bucket, spooled.MD5, spooled.Path, spooled.Size); err != nil {
		slog.Error("Store payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	var meta map[string]string
	if err := json.Unmarshal([]byte(upload.Metadata), &meta); err != nil {
		writeInternalError(w, r)
		return
	}

	bucketOwner, _ := s.bucketOwner(ctx, bucket)
	grants, err := cannedGrants(upload.ACL, upload.Owner, bucketOwner)
	if err != nil {
		writeInternalError(w, r)
		return
	}

	rec := objectRecord{
		Hash:        spooled.MD5,
		ETag:        etag,
		Size:        spooled.Size,
		ContentType: upload.ContentType,
		Metadata:    meta,
		Owner:       upload.Owner,
		ModifiedAt:  time.Now().UTC(),
	}
	if err := s.replaceObject(ctx, bucket, key, rec, grants); err != nil {
		slog.Error("Record object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	if _, err := s.Db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id); err != nil {
		slog.Warn("Remove upload record", "upload_id", id, "err", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Remove upload parts", "upload_id", id, "err", err)
	}

	_ = writeXMLResponse(w, CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     createETag(etag),
	})
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}
