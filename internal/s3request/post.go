package s3request

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"s3probe/internal/auth"
)

// PolicyExpirationFormat is the ISO 8601 layout of a policy's expiration.
const PolicyExpirationFormat = "2006-01-02T15:04:05Z"

// DefaultPolicyLifetime is how long a generated policy stays valid.
const DefaultPolicyLifetime = time.Hour

// Field is a named form field or policy condition value.
type Field struct {
	Name  string
	Value string
}

// PolicyDocument is the JSON document a POST upload is authorized by.
// Conditions are rendered in order; each is either an exact-match map or a
// ["op", "$field", "value"] triple.
type PolicyDocument struct {
	Expiration time.Time
	Conditions []any
}

// NewPolicy returns the policy used by PostUpload: exact bucket, key and acl,
// any application/ content type, and one exact condition per metadata field.
func NewPolicy(bucket, key, acl string, expiration time.Time, metadata []Field) PolicyDocument {
	conditions := []any{
		map[string]string{"bucket": bucket},
		map[string]string{"key": key},
		map[string]string{"acl": acl},
		[]string{"starts-with", "$Content-Type", "application/"},
	}
	for _, f := range metadata {
		conditions = append(conditions, map[string]string{f.Name: f.Value})
	}
	return PolicyDocument{Expiration: expiration, Conditions: conditions}
}

func (p PolicyDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Expiration string `json:"expiration"`
		Conditions []any  `json:"conditions"`
	}{
		Expiration: p.Expiration.UTC().Format(PolicyExpirationFormat),
		Conditions: p.Conditions,
	})
}

// Encode returns the base64 JSON form sent in the Policy field.
func (p PolicyDocument) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// PostUpload describes a browser-style POST object upload.
type PostUpload struct {
	// BucketURL is the path-style bucket URL, scheme://host:port/bucket/.
	BucketURL string
	// Bucket defaults to the first path segment of BucketURL.
	Bucket string
	Key    string
	// ACL defaults to public-read.
	ACL         string
	ContentType string
	Metadata    []Field

	// Exactly one of Content or Path supplies the file part.
	Content []byte
	Path    string

	// Credentials overrides the client's default credentials.
	Credentials *auth.Credentials
	// Expiration defaults to now plus DefaultPolicyLifetime.
	Expiration time.Time
}

// Post uploads an object with a signed policy. The request carries no
// Authorization header; the form fields authorize it.
func (c *Client) Post(ctx context.Context, upload PostUpload) (*http.Response, error) {
	body, contentType, err := c.PostForm(upload)
	if err != nil {
		return nil, err
	}
	return c.DoSpec(ctx, Spec{
		Method:    http.MethodPost,
		URL:       upload.BucketURL,
		Header:    auth.HeaderList{{Name: "Content-Type", Value: contentType}},
		Body:      Bytes(body),
		Anonymous: true,
	})
}

// PostString uploads content under key with optional user metadata.
func (c *Client) PostString(ctx context.Context, bucketURL, key, content string, metadata ...Field) (*http.Response, error) {
	return c.Post(ctx, PostUpload{BucketURL: bucketURL, Key: key, Content: []byte(content), Metadata: metadata})
}

// PostFile uploads the file at path under key with optional user metadata.
func (c *Client) PostFile(ctx context.Context, bucketURL, key, path string, metadata ...Field) (*http.Response, error) {
	return c.Post(ctx, PostUpload{BucketURL: bucketURL, Key: key, Path: path, Metadata: metadata})
}

// PostForm renders the multipart body of upload and returns it with its
// Content-Type. Fields are written in the order key, acl, Content-Type,
// AWSAccessKeyId, Policy, Signature, metadata, file.
func (c *Client) PostForm(upload PostUpload) ([]byte, string, error) {
	if upload.ACL == "" {
		upload.ACL = "public-read"
	}
	if upload.ContentType == "" {
		upload.ContentType = "application/octet-stream"
	}
	if upload.Expiration.IsZero() {
		upload.Expiration = c.now().Add(DefaultPolicyLifetime)
	}
	if upload.Bucket == "" {
		u, err := url.Parse(upload.BucketURL)
		if err != nil {
			return nil, "", fmt.Errorf("parse bucket url %q: %w", upload.BucketURL, err)
		}
		upload.Bucket, _, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	}
	creds := c.creds
	if upload.Credentials != nil {
		creds = *upload.Credentials
	}

	policy, err := NewPolicy(upload.Bucket, upload.Key, upload.ACL, upload.Expiration, upload.Metadata).Encode()
	if err != nil {
		return nil, "", err
	}
	signature, err := auth.Sign(creds.SecretKey, policy)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := []Field{
		{"key", upload.Key},
		{"acl", upload.ACL},
		{"Content-Type", upload.ContentType},
		{"AWSAccessKeyId", creds.AccessKey},
		{"Policy", policy},
		{"Signature", signature},
	}
	fields = append(fields, upload.Metadata...)
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", f.Name, err)
		}
	}

	if err := writeFilePart(mw, upload); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func writeFilePart(mw *multipart.Writer, upload PostUpload) error {
	filename := "file"
	var src io.Reader = bytes.NewReader(upload.Content)
	if upload.Path != "" {
		f, err := os.Open(upload.Path)
		if err != nil {
			return fmt.Errorf("open post file: %w", err)
		}
		defer f.Close()
		filename = filepath.Base(upload.Path)
		src = f
	}

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	return nil
}
