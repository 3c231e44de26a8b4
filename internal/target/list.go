package target

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxListKeys = 1000

type listedObject struct {
	Key        string
	ETag       string
	Size       int64
	Owner      string
	ModifiedAt time.Time
}

type listPage struct {
	Objects   []listedObject
	Prefixes  []string
	Truncated bool
	// Next is the last key or common prefix returned.
	Next string
}

// listObjects walks the keys of bucket in byte order starting after the
// given marker, grouping keys that share prefix+...+delimiter into common
// prefixes. Each common prefix counts as one entry against maxKeys.
func (s *Server) listObjects(ctx context.Context, bucket, prefix, delimiter, after string, maxKeys int) (listPage, error) {
	var page listPage
	if maxKeys <= 0 {
		return page, nil
	}

	rows, err := s.Db.QueryContext(ctx,
		`SELECT key, etag, size, owner, modified_at FROM objects
		 WHERE bucket = ? AND substr(key, 1, ?) = ? AND key > ?
		 ORDER BY key`,
		bucket, utf8.RuneCountInString(prefix), prefix, after,
	)
	if err != nil {
		return page, err
	}
	defer rows.Close()

	// A marker that is itself a common prefix means every key beneath it
	// was already reported.
	skipUnder := ""
	if delimiter != "" && strings.HasPrefix(after, prefix) && strings.HasSuffix(after, delimiter) {
		skipUnder = after
	}

	entries := 0
	lastPrefix := ""
	for rows.Next() {
		var obj listedObject
		if err := rows.Scan(&obj.Key, &obj.ETag, &obj.Size, &obj.Owner, &obj.ModifiedAt); err != nil {
			return page, err
		}

		if skipUnder != "" && strings.HasPrefix(obj.Key, skipUnder) {
			continue
		}

		commonPrefix := ""
		if delimiter != "" {
			rest := obj.Key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				commonPrefix = prefix + rest[:idx+len(delimiter)]
			}
		}
		if commonPrefix != "" && commonPrefix == lastPrefix {
			continue
		}

		if entries == maxKeys {
			page.Truncated = true
			break
		}
		entries++

		if commonPrefix != "" {
			lastPrefix = commonPrefix
			page.Prefixes = append(page.Prefixes, commonPrefix)
			page.Next = commonPrefix
			continue
		}
		page.Objects = append(page.Objects, obj)
		page.Next = obj.Key
	}

	return page, rows.Err()
}

// parseMaxKeys reads max-keys, defaulting to and capped at 1000.
func parseMaxKeys(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("max-keys")
	if raw == "" {
		return maxListKeys, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeS3Error(w, "InvalidArgument", "max-keys must be a non-negative integer.", r.URL.Path, http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxListKeys), true
}

func (s *Server) summaries(objects []listedObject, withOwner bool) []ObjectSummary {
	out := make([]ObjectSummary, 0, len(objects))
	for _, obj := range objects {
		summary := ObjectSummary{
			Key:          obj.Key,
			LastModified: formatTime(obj.ModifiedAt),
			ETag:         createETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
		}
		if withOwner {
			owner := ownerOf(obj.Owner)
			summary.Owner = &owner
		}
		out = append(out, summary)
	}
	return out
}

func commonPrefixes(prefixes []string) []CommonPrefix {
	out := make([]CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: p})
	}
	return out
}

// handleListObjects serves ListObjects (version 1).
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.authorize(w, r, bucket, "", PermRead) {
		return
	}

	maxKeys, ok := parseMaxKeys(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")

	page, err := s.listObjects(r.Context(), bucket, prefix, delimiter, marker, maxKeys)
	if err != nil {
		writeInternalError(w, r)
		return
	}

	result := ListBucketResult{
		XMLNS:          s3XMLNamespace,
		Name:           bucket,
		Prefix:         prefix,
		Marker:         marker,
		Delimiter:      delimiter,
		MaxKeys:        maxKeys,
		IsTruncated:    page.Truncated,
		Contents:       s.summaries(page.Objects, true),
		CommonPrefixes: commonPrefixes(page.Prefixes),
	}
	if page.Truncated {
		result.NextMarker = page.Next
	}

	_ = writeXMLResponse(w, result)
}

// handleListObjectsV2 serves ListObjectsV2. Continuation tokens are the
// base64 encoding of the last key or common prefix returned.
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.authorize(w, r, bucket, "", PermRead) {
		return
	}

	maxKeys, ok := parseMaxKeys(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	token := q.Get("continuation-token")
	startAfter := q.Get("start-after")

	after := startAfter
	if token != "" {
		decoded, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			writeS3Error(w, "InvalidArgument", "The continuation token provided is incorrect.", r.URL.Path, http.StatusBadRequest)
			return
		}
		after = string(decoded)
	}

	page, err := s.listObjects(r.Context(), bucket, prefix, delimiter, after, maxKeys)
	if err != nil {
		writeInternalError(w, r)
		return
	}

	result := ListBucketResultV2{
		XMLNS:             s3XMLNamespace,
		Name:              bucket,
		Prefix:            prefix,
		Delimiter:         delimiter,
		KeyCount:          len(page.Objects) + len(page.Prefixes),
		MaxKeys:           maxKeys,
		IsTruncated:       page.Truncated,
		ContinuationToken: token,
		StartAfter:        startAfter,
		Contents:          s.summaries(page.Objects, q.Get("fetch-owner") == "true"),
		CommonPrefixes:    commonPrefixes(page.Prefixes),
	}
	if page.Truncated {
		result.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(page.Next))
	}

	_ = writeXMLResponse(w, result)
}
