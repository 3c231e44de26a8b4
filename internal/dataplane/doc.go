// Package dataplane holds the data-plane conformance cases. The cases are
// ordinary Go tests: point them at a target through the S3PROBE_* variables
// or a YAML file named by S3PROBE_CONFIG and run
//
//	go test ./internal/dataplane
//
// Without an access server configured they run against an in-process
// target, which keeps the suite usable as a self-check of the toolkit.
package dataplane
