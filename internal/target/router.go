package target

import (
	"net/http"
)

// Handler returns an http.Handler implementing the path-style S3 API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// List all buckets
	mux.HandleFunc("GET /{$}", s.handleListBuckets)

	// Bucket-level operations
	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPut(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketGet(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketHead(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("DELETE /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketDelete(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("POST /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPost(w, r, r.PathValue("bucket"))
	})

	// Object-level operations
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPut(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectDelete(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("POST /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPost(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	var handler http.Handler = s.RequireAuthentication(SlashFix(mux))
	if s.Config.Metrics != nil {
		handler = s.Config.Metrics.Middleware(handler)
	}

	return Recoverer(LogRequest(handler))
}
