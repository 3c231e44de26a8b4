package payload

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const randomWindow = 1024 * 1024

// GenerateFile writes size random bytes to path. One window of randomness
// is reused for the whole file.
func GenerateFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	window := make([]byte, min(size, randomWindow))
	if _, err := rand.Read(window); err != nil {
		return fmt.Errorf("read random data: %w", err)
	}

	for size > 0 {
		n := min(size, int64(len(window)))
		if _, err := f.Write(window[:n]); err != nil {
			return err
		}
		size -= n
	}
	return f.Close()
}

// TempFile generates a random file of size bytes in dir and returns its path.
func TempFile(dir string, size int64) (string, error) {
	path := filepath.Join(dir, "tmpfile-"+uuid.NewString())
	if err := GenerateFile(path, size); err != nil {
		return "", err
	}
	return path, nil
}

// FileRange returns size bytes of the file at path starting at offset.
func FileRange(path string, offset, size int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if offset < 0 || size <= 0 || offset+size > info.Size() {
		return nil, fmt.Errorf("invalid range offset=%d size=%d for %s of %d bytes", offset, size, path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
