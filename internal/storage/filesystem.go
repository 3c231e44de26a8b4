package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

// CopyOrLinkFile attempts to create a hard link from srcPath to destPath.
// If that fails, it falls back to copying the file contents.
func CopyOrLinkFile(srcPath string, destPath string) error {

	if srcPath == destPath {
		return nil
	}

	// An existing destination may itself be a link to src; writing through
	// it would truncate the source, so break the link first.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}

	return CopyFile(srcPath, destPath)
}

func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	// Across filesystems rename fails with EXDEV; copy into place instead.
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := CopyOrLinkFile(srcPath, destPath); err != nil {
		return err
	}
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Spooled is a payload written to a temporary file.
type Spooled struct {
	Path string
	Size int64
	// MD5 is the lowercase hex digest of the content.
	MD5 string
}

// Remove deletes the temporary file. A file already moved into storage is
// not an error.
func (s *Spooled) Remove() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Spool copies src into a new temporary file under dir while computing its
// MD5. fill may be nil, in which case src is copied as is; otherwise fill is
// given the destination writer and is responsible for producing the content,
// which lets callers decode framed bodies on the way in.
func Spool(dir string, src io.Reader, fill func(dst io.Writer, src io.Reader) error) (*Spooled, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	h := md5.New()
	counter := &countingWriter{w: io.MultiWriter(f, h)}

	if fill == nil {
		fill = func(dst io.Writer, src io.Reader) error {
			_, err := io.Copy(dst, src)
			return err
		}
	}

	fillErr := fill(counter, src)
	closeErr := f.Close()
	if err := errors.Join(fillErr, closeErr); err != nil {
		_ = os.Remove(f.Name())
		return nil, err
	}

	return &Spooled{
		Path: f.Name(),
		Size: counter.n,
		MD5:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
