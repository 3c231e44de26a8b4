// Package payload generates large deterministic object bodies without
// holding them in memory.
package payload

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

const (
	// BlockSize is the length of every generated block.
	BlockSize = 4096

	unitSize  = 4
	dataSize  = BlockSize - md5.Size
	unitCount = dataSize / unitSize
)

// ErrIncomplete is returned by Sum before the whole stream was consumed.
var ErrIncomplete = errors.New("payload stream not fully consumed")

// Block returns block n: the little-endian uint32 n repeated to fill 4080
// bytes, followed by the MD5 of those bytes.
func Block(n uint32) []byte {
	block := make([]byte, BlockSize)
	fillBlock(block, n)
	return block
}

func fillBlock(block []byte, n uint32) {
	for i := range unitCount {
		binary.LittleEndian.PutUint32(block[i*unitSize:], n)
	}
	sum := md5.Sum(block[:dataSize])
	copy(block[dataSize:], sum[:])
}

// VerifyBlock reports whether a full block's trailing checksum matches its
// content and the content is a single repeated index.
func VerifyBlock(block []byte) bool {
	if len(block) != BlockSize {
		return false
	}
	sum := md5.Sum(block[:dataSize])
	if !bytes.Equal(sum[:], block[dataSize:]) {
		return false
	}
	unit := block[:unitSize]
	for i := unitSize; i < dataSize; i += unitSize {
		if !bytes.Equal(block[i:i+unitSize], unit) {
			return false
		}
	}
	return true
}

// Stream is a synthetic payload of a fixed size. Every byte read, by Read or
// WriteTo, feeds a running MD5 reported by Sum once the end is reached.
// A final partial block, or a stream shorter than one block, carries the
// prefix of the corresponding full block.
type Stream struct {
	size   int64
	offset int64

	block    []byte
	blockNum int64
	md5      hash.Hash
}

// New returns a stream of size bytes.
func New(size int64) *Stream {
	if size < 0 {
		size = 0
	}
	return &Stream{
		size:     size,
		block:    make([]byte, BlockSize),
		blockNum: -1,
		md5:      md5.New(),
	}
}

// Size returns the total length of the stream.
func (s *Stream) Size() int64 {
	return s.size
}

// Reset rewinds the stream so it can be consumed again.
func (s *Stream) Reset() {
	s.offset = 0
	s.md5.Reset()
}

// current returns the unread remainder of the current block, generating the
// block when the offset crosses a boundary.
func (s *Stream) current() []byte {
	n := s.offset / BlockSize
	if n != s.blockNum {
		fillBlock(s.block, uint32(n))
		s.blockNum = n
	}
	used := s.offset % BlockSize
	end := int64(BlockSize)
	if remain := s.size - n*BlockSize; remain < end {
		end = remain
	}
	return s.block[used:end]
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if s.offset >= s.size {
		return 0, io.EOF
	}
	var total int
	for len(p) > 0 && s.offset < s.size {
		n := copy(p, s.current())
		s.md5.Write(p[:n])
		s.offset += int64(n)
		total += n
		p = p[n:]
	}
	return total, nil
}

// WriteTo pushes each block to w as soon as it is generated.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for s.offset < s.size {
		chunk := s.current()
		n, err := w.Write(chunk)
		n = max(0, min(n, len(chunk)))
		s.md5.Write(chunk[:n])
		s.offset += int64(n)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write payload block %d: %w", s.blockNum, err)
		}
		if n < len(chunk) {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// ReadAll consumes the remainder of the stream into memory.
func (s *Stream) ReadAll() ([]byte, error) {
	var b bytes.Buffer
	b.Grow(int(s.size - s.offset))
	if _, err := s.WriteTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Sum returns the hex MD5 of the whole stream.
func (s *Stream) Sum() (string, error) {
	if s.offset < s.size {
		return "", ErrIncomplete
	}
	return hex.EncodeToString(s.md5.Sum(nil)), nil
}

// ContentMD5 returns the base64 MD5 of the whole stream for a Content-MD5
// header.
func (s *Stream) ContentMD5() (string, error) {
	if s.offset < s.size {
		return "", ErrIncomplete
	}
	return base64.StdEncoding.EncodeToString(s.md5.Sum(nil)), nil
}

// Checksum generates a fresh stream of size bytes and returns its hex MD5
// without keeping the content.
func Checksum(size int64) (string, error) {
	s := New(size)
	if _, err := s.WriteTo(io.Discard); err != nil {
		return "", err
	}
	return s.Sum()
}
