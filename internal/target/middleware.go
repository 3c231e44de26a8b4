package target

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"s3probe/internal/auth"
)

type contextKey int

const userContextKey contextKey = iota

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

type LogEntry struct {
	IP         string
	AccessKey  string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP, "access_key", e.AccessKey)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// accessKeyHint extracts the claimed access key without verifying it.
func accessKeyHint(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, auth.AWSv2Prefix) {
		key, _, _ := strings.Cut(strings.TrimPrefix(authz, auth.AWSv2Prefix), ":")
		return key
	}
	if r.MultipartForm != nil {
		return r.FormValue("AWSAccessKeyId")
	}
	return ""
}

// LogRequest is middleware that logs incoming HTTP requests.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.AccessKey = accessKeyHint(r)
		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}
	})
}

// userFromContext returns the authenticated user, or nil for anonymous
// requests.
func userFromContext(ctx context.Context) *auth.User {
	user, _ := ctx.Value(userContextKey).(*auth.User)
	return user
}

func isPolicyPost(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// RequireAuthentication verifies V2 header signatures and POST policies.
// Requests that carry no credentials at all continue as anonymous and are
// checked against the resource's grants by the handlers.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		user, err := s.Config.Authenticator.AuthenticateRequest(r.Context(), r)
		switch {
		case errors.Is(err, auth.ErrRequestTimeTooSkewed):
			writeS3Error(w, "RequestTimeTooSkewed", "The difference between the request time and the current time is too large.", r.URL.Path, http.StatusForbidden)
			return
		case errors.Is(err, auth.ErrPolicyExpired):
			writeS3Error(w, "AccessDenied", "Invalid according to Policy: Policy expired.", r.URL.Path, http.StatusForbidden)
			return
		case err != nil:
			slog.Error("Authentication", "err", err)
			writeInternalError(w, r)
			return
		}

		if user != nil {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
			return
		}

		authz := r.Header.Get("Authorization")
		claimed := accessKeyHint(r)
		switch {
		case authz != "" && !strings.HasPrefix(authz, auth.AWSv2Prefix):
			writeS3Error(w, "AccessDenied", "Unsupported authorization type.", r.URL.Path, http.StatusForbidden)
		case claimed != "" && !s.users[claimed]:
			writeS3Error(w, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.", r.URL.Path, http.StatusForbidden)
		case authz != "":
			writeS3Error(w, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", r.URL.Path, http.StatusForbidden)
		case isPolicyPost(r) && r.MultipartForm != nil && r.FormValue("Signature") != "":
			writeS3Error(w, "AccessDenied", "Invalid according to Policy: Policy Condition failed.", r.URL.Path, http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Object keys may legitimately contain "//" or end in "/", so only
		// the bucket part of the path is normalized.
		path := "/" + strings.TrimLeft(r.URL.Path, "/")
		if bucket, ok := strings.CutSuffix(path, "/"); ok && bucket != "" && !strings.Contains(bucket[1:], "/") {
			path = bucket
		}

		if path != r.URL.Path {
			r.URL.Path = path
			r.URL.RawPath = ""
		}

		next.ServeHTTP(w, r)
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// the client connection is aborted, nothing to log
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
