package s3request

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Body is a request body that can be opened for sending.
type Body interface {
	// Open returns the content and its length, or -1 when the length is
	// not known in advance.
	Open() (io.ReadCloser, int64, error)
}

type bytesBody []byte

// Bytes returns a Body sending data.
func Bytes(data []byte) Body {
	return bytesBody(data)
}

func (b bytesBody) Open() (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

type fileBody string

// File returns a Body streaming the file at path.
func File(path string) Body {
	return fileBody(path)
}

func (f fileBody) Open() (io.ReadCloser, int64, error) {
	file, err := os.Open(string(f))
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", string(f), err)
	}
	return file, info.Size(), nil
}

type readerBody struct {
	r      io.Reader
	length int64
}

// Reader returns a Body reading from r. The body can be sent once. Pass -1
// as length when it is unknown.
func Reader(r io.Reader, length int64) Body {
	return readerBody{r: r, length: length}
}

func (b readerBody) Open() (io.ReadCloser, int64, error) {
	if rc, ok := b.r.(io.ReadCloser); ok {
		return rc, b.length, nil
	}
	return readCloser{b.r}, b.length, nil
}

// readCloser keeps io.WriterTo visible to io.Copy, unlike io.NopCloser for
// arbitrary readers.
type readCloser struct {
	io.Reader
}

func (readCloser) Close() error { return nil }

func (r readCloser) WriteTo(w io.Writer) (int64, error) {
	if wt, ok := r.Reader.(io.WriterTo); ok {
		return wt.WriteTo(w)
	}
	return io.Copy(w, r.Reader)
}
