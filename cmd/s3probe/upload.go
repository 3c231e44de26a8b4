package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"s3probe/internal/chunked"
	"s3probe/internal/payload"
	"s3probe/internal/s3request"
)

// report prints the outcome of an upload and turns an S3 error document into
// an error.
func report(a *app, resp *http.Response) error {
	if resp.StatusCode >= 300 {
		s3Err, err := s3request.DecodeError(resp)
		if err != nil {
			return err
		}
		return s3Err
	}
	defer resp.Body.Close()
	fmt.Fprintf(a.stdout, "status: %s\n", resp.Status)
	if etag := resp.Header.Get("ETag"); etag != "" {
		fmt.Fprintf(a.stdout, "etag: %s\n", etag)
	}
	return nil
}

// splitObject splits "bucket/key" and returns the bucket URL and key.
func splitObject(a *app, object string) (string, string, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(object, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q is not bucket/key", object)
	}
	return a.cfg.Endpoint() + "/" + bucket, key, nil
}

func parseSizes(v string) ([]int, error) {
	var sizes []int
	if v == "" {
		return nil, nil
	}
	for _, s := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", s, err)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func runPutChunked(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("put-chunked", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	file := fs.String("file", "", "stream this file; the remaining arguments are literal chunks otherwise")
	sizes := fs.String("sizes", "", "comma separated chunk sizes for -file; later chunks use the default size and -1 emits a malformed frame")
	var rf requestFlags
	rf.register(fs)
	fs.Usage = func() {
		fmt.Fprintln(a.stderr, "usage: s3probe put-chunked [flags] <bucket/key> [chunk...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || (*file == "") == (fs.NArg() == 1) {
		fs.Usage()
		return errUsage
	}

	bucketURL, key, err := splitObject(a, fs.Arg(0))
	if err != nil {
		return err
	}
	opts, err := rf.options(a)
	if err != nil {
		return err
	}
	client := s3request.New(a.cfg, s3request.WithLogger(a.logger))

	var resp *http.Response
	if *file != "" {
		chunkSizes, err := parseSizes(*sizes)
		if err != nil {
			return err
		}
		resp, err = chunked.UploadFile(ctx, client, bucketURL, key, *file, chunkSizes, opts...)
		if err != nil {
			return err
		}
	} else {
		resp, err = chunked.UploadStrings(ctx, client, bucketURL, key, fs.Args()[1:], opts...)
		if err != nil {
			return err
		}
	}
	return report(a, resp)
}

func runPutSynthetic(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("put-synthetic", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	size := fs.Int64("size", 1<<20, "payload size in bytes")
	var rf requestFlags
	rf.register(fs)
	fs.Usage = func() {
		fmt.Fprintln(a.stderr, "usage: s3probe put-synthetic [flags] <bucket/key>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *size < 0 {
		fs.Usage()
		return errUsage
	}

	bucketURL, key, err := splitObject(a, fs.Arg(0))
	if err != nil {
		return err
	}
	opts, err := rf.options(a)
	if err != nil {
		return err
	}
	client := s3request.New(a.cfg, s3request.WithLogger(a.logger))

	start := time.Now()
	resp, sum, err := client.UploadSynthetic(ctx, bucketURL, key, *size, opts...)
	if err != nil {
		return err
	}
	a.logger.Debug("Uploaded synthetic payload", "size", *size, "elapsed", time.Since(start))
	if err := report(a, resp); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "md5: %s\n", sum)
	fmt.Fprintf(a.stdout, "blocks: %d\n", (*size+payload.BlockSize-1)/payload.BlockSize)
	return nil
}

func runPost(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	file := fs.String("file", "", "upload this file")
	content := fs.String("content", "", "upload this literal content")
	acl := fs.String("acl", "public-read", "canned ACL")
	contentType := fs.String("content-type", "", "Content-Type of the object")
	expires := fs.Duration("expires", s3request.DefaultPolicyLifetime, "policy lifetime; negative values produce an expired policy")
	var meta stringList
	fs.Var(&meta, "meta", "metadata field as name=value, e.g. x-amz-meta-color=blue; repeatable")
	fs.Usage = func() {
		fmt.Fprintln(a.stderr, "usage: s3probe post [flags] <bucket/key>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || (*file != "" && *content != "") {
		fs.Usage()
		return errUsage
	}

	bucketURL, key, err := splitObject(a, fs.Arg(0))
	if err != nil {
		return err
	}

	upload := s3request.PostUpload{
		BucketURL:   bucketURL + "/",
		Key:         key,
		ACL:         *acl,
		ContentType: *contentType,
		Path:        *file,
		Expiration:  time.Now().Add(*expires),
	}
	if *file == "" {
		upload.Content = []byte(*content)
	}
	for _, m := range meta {
		name, value, ok := strings.Cut(m, "=")
		if !ok {
			return fmt.Errorf("metadata %q is not name=value", m)
		}
		upload.Metadata = append(upload.Metadata, s3request.Field{Name: name, Value: value})
	}

	client := s3request.New(a.cfg, s3request.WithLogger(a.logger))
	resp, err := client.Post(ctx, upload)
	if err != nil {
		return err
	}
	return report(a, resp)
}
