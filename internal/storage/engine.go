package storage

import "os"

// StorageEngine manages object payloads organized into buckets. Payloads are
// addressed by the lowercase hex MD5 of their content, which is also the
// ETag the reference target reports for single-part objects.
type StorageEngine interface {
	// PutObject stores data under hashHex within bucket.
	PutObject(bucket string, hashHex string, data []byte) error

	// PutObjectFromFile stores the spooled file at tempPath under hashHex,
	// moving it into place when no existing copy can be linked.
	PutObjectFromFile(bucket string, hashHex string, tempPath string, size int64) error

	// OpenObject opens the payload stored under hashHex for reading.
	OpenObject(bucket string, hashHex string) (*os.File, error)

	// CopyObject ensures the payload identified by hashHex is present in
	// destBucket, reusing storage where possible.
	CopyObject(srcBucket, hashHex, destBucket string) error

	// DeleteObject removes the payload stored under hashHex. A payload that
	// is already gone is not an error.
	DeleteObject(bucket string, hashHex string) error

	// DeleteBucket removes every payload stored for bucket.
	DeleteBucket(bucket string) error
}
