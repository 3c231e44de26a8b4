// Package target is an in-process S3 endpoint used to exercise the request
// builder end to end. It verifies V2 header signatures and POST policies,
// decodes chunked bodies, and keeps metadata in SQLite with payloads on the
// local filesystem.
package target

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"s3probe/internal/auth"
	"s3probe/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	// Lowercase letters, digits, dots and hyphens, starting and ending with
	// a letter or digit, 3 to 63 characters long.
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Server provides the S3 API subset conformance cases need.
type Server struct {
	Config Config
	Db     *sql.DB

	users map[string]bool
}

// initSchema applies the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("migration %s: %w", path, execError)
		}
		return nil
	})
}

// NewServer initializes the metadata database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {

	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	if cfg.MinPartSize <= 0 {
		cfg.MinPartSize = DefaultMinPartSize
	}

	if len(cfg.Credentials) == 0 {
		cfg.Credentials = []auth.Credentials{{AccessKey: auth.DefaultAccessKeyID, SecretKey: auth.DefaultSecretAccessKey}}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := "file:" + filepath.Join(cfg.DataDir, "metadata.sqlite") + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Engine == nil {
		cfg.Engine = storage.NewLocalFileStorage(filepath.Join(cfg.DataDir, "buckets"))
	}

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewCompoundAuthEngine(
			auth.NewAwsHmacAuthEngine(cfg.Credentials...),
			auth.NewPostPolicyAuthEngine(cfg.Credentials...),
		)
	}

	users := make(map[string]bool, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		users[c.AccessKey] = true
	}

	return &Server{Config: cfg, Db: db, users: users}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.Db.Close()
}

func (s *Server) tmpDir() string {
	return filepath.Join(s.Config.DataDir, "tmp")
}

func (s *Server) uploadDir(uploadID string) string {
	return filepath.Join(s.Config.DataDir, "uploads", uploadID)
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// bucketOwner returns the owner of bucket, or sql.ErrNoRows.
func (s *Server) bucketOwner(ctx context.Context, bucket string) (string, error) {
	var owner string
	err := s.Db.QueryRowContext(ctx, `SELECT owner FROM buckets WHERE name = ?`, bucket).Scan(&owner)
	return owner, err
}

// bucketExists checks whether a bucket with the given name exists.
func (s *Server) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int
	if err := s.Db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

// requireBucket writes NoSuchBucket or InternalError and returns false when
// bucket cannot be used.
func (s *Server) requireBucket(w http.ResponseWriter, r *http.Request, bucket string) bool {
	exists, err := s.bucketExists(r.Context(), bucket)
	if err != nil {
		slog.Error("Bucket lookup", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return false
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return false
	}
	return true
}

// objectRecord is one row of the objects table.
type objectRecord struct {
	Hash        string
	ETag        string
	Size        int64
	ContentType sql.NullString
	Metadata    map[string]string
	Owner       string
	ModifiedAt  time.Time
}

func (s *Server) lookupObject(ctx context.Context, bucket, key string) (objectRecord, error) {
	var (
		rec  objectRecord
		meta string
	)
	err := s.Db.QueryRowContext(ctx,
		`SELECT hash, etag, size, content_type, metadata, owner, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&rec.Hash, &rec.ETag, &rec.Size, &rec.ContentType, &meta, &rec.Owner, &rec.ModifiedAt)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return rec, fmt.Errorf("decode metadata of %s/%s: %w", bucket, key, err)
	}
	return rec, nil
}

// upsertObject records an object and replaces its grants.
func (s *Server) upsertObject(ctx context.Context, bucket, key string, rec objectRecord, grants []Grant) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var contentType any
	if rec.ContentType.Valid {
		contentType = rec.ContentType.String
	}

	return withTransaction(ctx, s.Db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO objects(bucket, key, hash, etag, size, content_type, metadata, owner, created_at, modified_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(bucket, key) DO UPDATE SET
			 	hash=excluded.hash,
			 	etag=excluded.etag,
			 	size=excluded.size,
			 	content_type=excluded.content_type,
			 	metadata=excluded.metadata,
			 	owner=excluded.owner,
			 	modified_at=excluded.modified_at`,
			bucket, key, rec.Hash, rec.ETag, rec.Size, contentType, string(meta), rec.Owner, rec.ModifiedAt, rec.ModifiedAt,
		)
		if err != nil {
			return err
		}
		return replaceGrants(ctx, tx, bucket, key, grants)
	})
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func (s *Server) writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeMalformedXMLError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
}

// isValidBucketName implements the S3 naming rules for DNS-compatible
// buckets.
func isValidBucketName(name string) bool {
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return false
	}

	return net.ParseIP(name) == nil
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	return writeXMLStatus(w, http.StatusOK, v)
}

func writeXMLStatus(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// createETag quotes an ETag value.
func createETag(etag string) string {
	return `"` + etag + `"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// userMetadata collects x-amz-meta-* headers, keyed by lower-cased name.
func userMetadata(h http.Header) map[string]string {
	meta := make(map[string]string)
	for name, values := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			meta[lower] = strings.Join(values, ",")
		}
	}
	return meta
}
