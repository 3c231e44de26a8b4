package target

import (
	"database/sql"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"time"
)

// bucketSubresources are recognized on bucket URLs but not served.
var bucketSubresources = []string{
	"cors", "lifecycle", "logging", "notification", "policy", "replication",
	"requestPayment", "tagging", "versioning", "versions", "website", "encryption",
}

func unsupportedSubresource(r *http.Request, names []string) (string, bool) {
	q := r.URL.Query()
	for _, name := range names {
		if q.Has(name) {
			return name, true
		}
	}
	return "", false
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if user == nil {
		writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
		return
	}

	rows, err := s.Db.QueryContext(r.Context(), `SELECT name, created_at FROM buckets WHERE owner = ? ORDER BY name`, user.AccessKeyID)
	if err != nil {
		slog.Error("List buckets", "err", err)
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	result := ListAllMyBucketsResult{
		XMLNS: s3XMLNamespace,
		Owner: ownerOf(user.AccessKeyID),
	}
	for rows.Next() {
		var (
			name    string
			created time.Time
		)
		if err := rows.Scan(&name, &created); err != nil {
			slog.Error("Scan bucket row", "err", err)
			writeInternalError(w, r)
			return
		}
		result.Buckets = append(result.Buckets, ListAllMyBucketsEntry{Name: name, CreationDate: formatTime(created)})
	}
	if err := rows.Err(); err != nil {
		writeInternalError(w, r)
		return
	}

	_ = writeXMLResponse(w, result)
}

func (s *Server) handleBucketPut(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.URL.Query().Has("acl") {
		s.handlePutACL(w, r, bucket, "")
		return
	}
	if name, ok := unsupportedSubresource(r, bucketSubresources); ok {
		s.writeNotImplemented(w, r, "PUT ?"+name)
		return
	}
	s.createBucket(w, r, bucket)
}

type createBucketConfiguration struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	LocationConstraint string   `xml:"LocationConstraint"`
}

func (s *Server) createBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	user := userFromContext(r.Context())
	if user == nil {
		writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
		return
	}

	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeS3Error(w, "IncompleteBody", "The request body terminated unexpectedly.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		var cfg createBucketConfiguration
		if err := xml.Unmarshal(body, &cfg); err != nil {
			writeMalformedXMLError(w, r)
			return
		}
		if cfg.LocationConstraint != "" && cfg.LocationConstraint != s.Config.Region {
			writeS3Error(w, "InvalidLocationConstraint", "The specified location-constraint is not valid.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	grants, err := cannedGrants(r.Header.Get("x-amz-acl"), user.AccessKeyID, user.AccessKeyID)
	var aclErr *aclError
	if errors.As(err, &aclErr) {
		writeS3Error(w, aclErr.Code, aclErr.Message, r.URL.Path, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var existingOwner string
	err = withTransaction(ctx, s.Db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO buckets(name, owner, created_at, modified_at) VALUES(?, ?, ?, ?)`,
			bucket, user.AccessKeyID, now, now,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			if err != nil {
				return err
			}
			return tx.QueryRowContext(ctx, `SELECT owner FROM buckets WHERE name = ?`, bucket).Scan(&existingOwner)
		}
		return replaceGrants(ctx, tx, bucket, "", grants)
	})
	if err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	switch {
	case existingOwner == user.AccessKeyID:
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
	case existingOwner != "":
		writeS3Error(w, "BucketAlreadyExists", "The requested bucket name is not available.", r.URL.Path, http.StatusConflict)
	default:
		w.Header().Set("Location", "/"+bucket)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()

	switch {
	case q.Has("acl"):
		s.handleGetACL(w, r, bucket, "")
	case q.Has("location"):
		s.handleGetLocation(w, r, bucket)
	case q.Has("uploads"):
		s.handleListMultipartUploads(w, r, bucket)
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(w, r, bucket)
	default:
		if name, ok := unsupportedSubresource(r, bucketSubresources); ok {
			s.writeNotImplemented(w, r, "GET ?"+name)
			return
		}
		s.handleListObjects(w, r, bucket)
	}
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.authorize(w, r, bucket, "", PermRead) {
		return
	}

	// us-east-1 is reported as an empty constraint.
	region := s.Config.Region
	if region == "us-east-1" {
		region = ""
	}
	_ = writeXMLResponse(w, LocationConstraint{XMLNS: s3XMLNamespace, Region: region})
}

func (s *Server) handleBucketHead(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.authorize(w, r, bucket, "", PermRead) {
		return
	}
	w.Header().Set("x-amz-bucket-region", s.Config.Region)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request, bucket string) {
	if name, ok := unsupportedSubresource(r, bucketSubresources); ok {
		s.writeNotImplemented(w, r, "DELETE ?"+name)
		return
	}

	ctx := r.Context()
	owner, err := s.bucketOwner(ctx, bucket)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchBucketError(w, r)
		return
	}
	if err != nil {
		writeInternalError(w, r)
		return
	}
	if user := userFromContext(ctx); user == nil || user.AccessKeyID != owner {
		writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
		return
	}

	var (
		notEmpty  bool
		uploadIDs []string
	)
	err = withTransaction(ctx, s.Db, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			notEmpty = true
			return nil
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM uploads WHERE bucket = ?`, bucket)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			uploadIDs = append(uploadIDs, id)
		}
		rows.Close()

		_, err = tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, bucket)
		return err
	})
	if err != nil {
		slog.Error("Delete bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if notEmpty {
		writeS3Error(w, "BucketNotEmpty", "The bucket you tried to delete is not empty.", r.URL.Path, http.StatusConflict)
		return
	}

	for _, id := range uploadIDs {
		if err := os.RemoveAll(s.uploadDir(id)); err != nil {
			slog.Warn("Remove upload parts", "upload_id", id, "err", err)
		}
	}
	if err := s.Config.Engine.DeleteBucket(bucket); err != nil {
		slog.Warn("Remove bucket payloads", "bucket", bucket, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBucketPost(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.URL.Query().Has("delete") {
		s.handleDeleteObjects(w, r, bucket)
		return
	}

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mediaType == "multipart/form-data" {
		s.handlePostUpload(w, r, bucket)
		return
	}

	s.writeNotImplemented(w, r, "POST")
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.authorize(w, r, bucket, "", PermWrite) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeS3Error(w, "IncompleteBody", "The request body terminated unexpectedly.", r.URL.Path, http.StatusBadRequest)
		return
	}

	var req DeleteRequest
	if err := xml.Unmarshal(body, &req); err != nil || len(req.Objects) == 0 || len(req.Objects) > 1000 {
		writeMalformedXMLError(w, r)
		return
	}

	result := DeleteResult{XMLNS: s3XMLNamespace}
	for _, obj := range req.Objects {
		if !isValidObjectKey(obj.Key) {
			result.Errors = append(result.Errors, DeleteError{Key: obj.Key, Code: "InvalidObjectName", Message: "The specified key is not valid."})
			continue
		}
		if err := s.deleteObject(r.Context(), bucket, obj.Key); err != nil {
			slog.Error("Delete object", "bucket", bucket, "key", obj.Key, "err", err)
			result.Errors = append(result.Errors, DeleteError{Key: obj.Key, Code: "InternalError", Message: "We encountered an internal error. Please try again."})
			continue
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, DeletedObject{Key: obj.Key})
		}
	}

	_ = writeXMLResponse(w, result)
}
