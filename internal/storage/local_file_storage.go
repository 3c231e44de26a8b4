package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// LocalFileStorage is a StorageEngine that keeps payloads on the local
// filesystem under dataDir. Each bucket gets its own subdirectory, and within
// it payloads live at <first two hash chars>/<hash>.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

// DataDir returns the storage root.
func (s *LocalFileStorage) DataDir() string {
	return s.dataDir
}

// ObjectPath computes the full filesystem path for the payload identified by
// hashHex within bucket.
func ObjectPath(directory string, bucket string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	if bucket == "" || filepath.Base(bucket) != bucket {
		return "", fmt.Errorf("invalid bucket directory %q", bucket)
	}
	return filepath.Join(directory, bucket, hashHex[:2], hashHex), nil
}

// LocateExistingObject finds copies of the payload in other buckets that have
// the expected size and can be hard-linked to targetObject.
func LocateExistingObject(directory string, targetObject string, hashHex string, size int64) []string {
	pattern := filepath.Join(directory, "*", hashHex[:2], hashHex)
	matches, _ := filepath.Glob(pattern)

	results := make([]string, 0, len(matches))
	for _, existing := range matches {
		if existing == targetObject {
			continue
		}

		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != size {
			continue
		}

		results = append(results, existing)
	}

	return results
}

// linkExisting hard-links an existing copy into objPath. It reports whether
// a copy was found and linked.
func (s *LocalFileStorage) linkExisting(objPath, hashHex string, size int64) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return false, err
	}
	for _, existing := range LocateExistingObject(s.dataDir, objPath, hashHex, size) {
		if err := CopyOrLinkFile(existing, objPath); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *LocalFileStorage) PutObject(bucket string, hashHex string, data []byte) error {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}

	if linked, err := s.linkExisting(objPath, hashHex, int64(len(data))); err != nil || linked {
		return err
	}

	return os.WriteFile(objPath, data, 0o644)
}

// PutObjectFromFile stores a payload already spooled to tempPath without
// loading it into memory.
func (s *LocalFileStorage) PutObjectFromFile(bucket string, hashHex string, tempPath string, size int64) error {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}

	if linked, err := s.linkExisting(objPath, hashHex, size); err != nil || linked {
		return err
	}

	return MoveFile(tempPath, objPath)
}

func (s *LocalFileStorage) OpenObject(bucket string, hashHex string) (*os.File, error) {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(objPath)
}

// CopyObject makes the payload identified by hashHex available in
// destBucket, hard-linking the source copy when possible.
func (s *LocalFileStorage) CopyObject(srcBucket, hashHex, destBucket string) error {
	srcPath, err := ObjectPath(s.dataDir, srcBucket, hashHex)
	if err != nil {
		return err
	}

	destPath, err := ObjectPath(s.dataDir, destBucket, hashHex)
	if err != nil {
		return err
	}

	if srcPath == destPath {
		return nil
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source is not a regular file: %s", srcPath)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	return CopyOrLinkFile(srcPath, destPath)
}

func (s *LocalFileStorage) DeleteObject(bucket string, hashHex string) error {
	objPath, err := ObjectPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteBucket removes the bucket's directory under the storage root.
func (s *LocalFileStorage) DeleteBucket(bucket string) error {
	if bucket == "" || filepath.Base(bucket) != bucket {
		return fmt.Errorf("invalid bucket directory %q", bucket)
	}
	return os.RemoveAll(filepath.Join(s.dataDir, bucket))
}
