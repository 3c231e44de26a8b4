package target

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"s3probe/internal/storage"
)

const postMaxMemory = 32 << 20

// Form fields that never need a matching policy condition.
var postExemptFields = map[string]bool{
	"awsaccesskeyid": true,
	"signature":      true,
	"policy":         true,
	"file":           true,
}

type postPolicy struct {
	Expiration string `json:"expiration"`
	Conditions []any  `json:"conditions"`
}

// checkPostPolicy evaluates the policy conditions against the form fields.
// fields is keyed by lower-cased field name and includes "bucket". It
// returns a description of the first failing condition, or "" when the
// policy is satisfied.
func checkPostPolicy(encoded string, fields map[string]string, size int64) string {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "Policy is not valid base64"
	}
	var doc postPolicy
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "Policy is not valid JSON"
	}

	covered := map[string]bool{"bucket": true}
	for _, cond := range doc.Conditions {
		switch c := cond.(type) {
		case map[string]any:
			for name, want := range c {
				name = strings.ToLower(name)
				covered[name] = true
				if fmt.Sprint(want) != fields[name] {
					return "Policy Condition failed: [\"eq\", \"$" + name + "\", \"" + fmt.Sprint(want) + "\"]"
				}
			}
		case []any:
			if len(c) != 3 {
				return "Policy condition has wrong number of elements"
			}
			op, _ := c[0].(string)
			if strings.EqualFold(op, "content-length-range") {
				lo, okLo := c[1].(float64)
				hi, okHi := c[2].(float64)
				if !okLo || !okHi {
					return "content-length-range bounds must be numbers"
				}
				if size < int64(lo) || size > int64(hi) {
					return "Your proposed upload exceeds the maximum allowed size or is smaller than the minimum allowed size"
				}
				continue
			}
			field, _ := c[1].(string)
			value, _ := c[2].(string)
			name := strings.ToLower(strings.TrimPrefix(field, "$"))
			covered[name] = true
			switch strings.ToLower(op) {
			case "eq":
				if fields[name] != value {
					return "Policy Condition failed: [\"eq\", \"" + field + "\", \"" + value + "\"]"
				}
			case "starts-with":
				if !strings.HasPrefix(fields[name], value) {
					return "Policy Condition failed: [\"starts-with\", \"" + field + "\", \"" + value + "\"]"
				}
			default:
				return "Unknown policy condition " + op
			}
		default:
			return "Policy condition is neither a map nor a list"
		}
	}

	for name := range fields {
		if postExemptFields[name] || covered[name] ||
			strings.HasPrefix(name, "x-ignore-") || strings.HasPrefix(name, "success_action_") {
			continue
		}
		return "Extra input fields: " + name
	}

	return ""
}

// handlePostUpload stores the file part of a browser-style POST upload.
// The policy signature was verified by the authentication middleware.
func (s *Server) handlePostUpload(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.MultipartForm == nil {
		if err := r.ParseMultipartForm(postMaxMemory); err != nil {
			writeS3Error(w, "MalformedPOSTRequest", "The body of your POST request is not well-formed multipart/form-data.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		writeS3Error(w, "InvalidArgument", "POST requires exactly one file upload per request.", r.URL.Path, http.StatusBadRequest)
		return
	}
	header := files[0]

	key := r.FormValue("key")
	if key == "" {
		writeS3Error(w, "InvalidArgument", "Bucket POST must contain a field named 'key'.", r.URL.Path, http.StatusBadRequest)
		return
	}
	key = strings.ReplaceAll(key, "${filename}", header.Filename)
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	if !s.authorize(w, r, bucket, key, PermWrite) {
		return
	}

	fields := map[string]string{"bucket": bucket}
	for name, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			fields[strings.ToLower(name)] = values[0]
		}
	}

	src, err := header.Open()
	if err != nil {
		writeS3Error(w, "MalformedPOSTRequest", "The file part could not be read.", r.URL.Path, http.StatusBadRequest)
		return
	}
	defer src.Close()

	spooled, err := storage.Spool(s.tmpDir(), src, nil)
	if err != nil {
		slog.Error("Spool post upload", "err", err)
		writeInternalError(w, r)
		return
	}
	defer spooled.Remove()

	if policy := r.FormValue("Policy"); policy != "" {
		if failure := checkPostPolicy(policy, fields, spooled.Size); failure != "" {
			writeS3Error(w, "AccessDenied", "Invalid according to Policy: "+failure, r.URL.Path, http.StatusForbidden)
			return
		}
	}

	ctx := r.Context()
	owner := s.requester(ctx, bucket)
	bucketOwner, _ := s.bucketOwner(ctx, bucket)
	grants, err := cannedGrants(fields["acl"], owner, bucketOwner)
	var aclErr *aclError
	if errors.As(err, &aclErr) {
		writeS3Error(w, aclErr.Code, aclErr.Message, r.URL.Path, http.StatusBadRequest)
		return
	}

	if err := s.Config.Engine.PutObjectFromFile(bucket, spooled.MD5, spooled.Path, spooled.Size); err != nil {
		slog.Error("Store payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	rec := objectRecord{
		Hash:        spooled.MD5,
		ETag:        spooled.MD5,
		Size:        spooled.Size,
		ContentType: postContentType(fields, header),
		Metadata:    make(map[string]string),
		Owner:       owner,
		ModifiedAt:  time.Now().UTC(),
	}
	for name, value := range fields {
		if strings.HasPrefix(name, "x-amz-meta-") {
			rec.Metadata[name] = value
		}
	}

	if err := s.replaceObject(ctx, bucket, key, rec, grants); err != nil {
		slog.Error("Record object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	etag := createETag(rec.ETag)
	location := "/" + bucket + "/" + key
	w.Header().Set("ETag", etag)
	w.Header().Set("Location", location)

	if redirect := fields["success_action_redirect"]; redirect != "" {
		if u, err := url.Parse(redirect); err == nil {
			q := u.Query()
			q.Set("bucket", bucket)
			q.Set("key", key)
			q.Set("etag", etag)
			u.RawQuery = q.Encode()
			http.Redirect(w, r, u.String(), http.StatusSeeOther)
			return
		}
	}

	switch status, _ := strconv.Atoi(fields["success_action_status"]); status {
	case http.StatusCreated:
		_ = writeXMLStatus(w, http.StatusCreated, PostResponse{
			Location: location,
			Bucket:   bucket,
			Key:      key,
			ETag:     etag,
		})
	case http.StatusOK:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func postContentType(fields map[string]string, header *multipart.FileHeader) sql.NullString {
	if ct := fields["content-type"]; ct != "" {
		return sql.NullString{String: ct, Valid: true}
	}
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return sql.NullString{String: ct, Valid: true}
	}
	return sql.NullString{}
}
