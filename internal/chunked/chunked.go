// Package chunked builds Transfer-Encoding: chunked request bodies, including
// deliberately malformed frames for negative tests.
package chunked

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultChunkSize is used once a Worklist runs out of requested sizes.
	DefaultChunkSize = 100 * 1024 * 8

	// MalformedPlaceholder is the payload carried by every malformed frame.
	MalformedPlaceholder = "1234567890"

	// Terminator ends every chunked body.
	Terminator = "0\r\n\r\n"

	crlf = "\r\n"
)

// Frame is one unit of a chunked body as it appears on the wire. SizeHex is
// sent verbatim, so it may disagree with len(Data).
type Frame struct {
	SizeHex string
	Data    []byte
}

// Bytes renders "{SizeHex}\r\n{Data}\r\n".
func (f Frame) Bytes() []byte {
	var b bytes.Buffer
	b.Grow(len(f.SizeHex) + len(f.Data) + 2*len(crlf))
	f.writeTo(&b)
	return b.Bytes()
}

func (f Frame) writeTo(b *bytes.Buffer) {
	b.WriteString(f.SizeHex)
	b.WriteString(crlf)
	b.Write(f.Data)
	b.WriteString(crlf)
}

// ValidFrame frames data as "{hex len}\r\n{data}\r\n".
func ValidFrame(data []byte) []byte {
	return validFrame(data).Bytes()
}

func validFrame(data []byte) Frame {
	return Frame{SizeHex: strconv.FormatInt(int64(len(data)), 16), Data: data}
}

func writeValidFrame(b *bytes.Buffer, data []byte) {
	validFrame(data).writeTo(b)
}

// MalformedFrame renders the declared size verbatim ("-1" for -1) followed
// by MalformedPlaceholder, so the declared and actual lengths disagree.
func MalformedFrame(size int) []byte {
	return Frame{SizeHex: fmt.Sprintf("%x", size), Data: []byte(MalformedPlaceholder)}.Bytes()
}

// Encode frames each chunk in order and appends the terminator.
func Encode(chunks [][]byte) []byte {
	var b bytes.Buffer
	for _, chunk := range chunks {
		writeValidFrame(&b, chunk)
	}
	b.WriteString(Terminator)
	return b.Bytes()
}

// EncodeStrings is Encode for string chunks.
func EncodeStrings(chunks ...string) []byte {
	raw := make([][]byte, len(chunks))
	for i, c := range chunks {
		raw[i] = []byte(c)
	}
	return Encode(raw)
}

// Worklist hands out requested chunk sizes front to back and falls back to
// a default once exhausted.
type Worklist struct {
	sizes    []int
	fallback int
}

// NewWorklist copies sizes; the caller's slice is never modified.
func NewWorklist(sizes []int) *Worklist {
	return &Worklist{
		sizes:    append([]int(nil), sizes...),
		fallback: DefaultChunkSize,
	}
}

// Next pops the next size.
func (w *Worklist) Next() int {
	if len(w.sizes) == 0 {
		return w.fallback
	}
	size := w.sizes[0]
	w.sizes = w.sizes[1:]
	return size
}

// Remaining reports how many requested sizes have not been used.
func (w *Worklist) Remaining() int {
	return len(w.sizes)
}

// Encoder streams a chunked body read from a source. Each frame reads at
// most the next worklist size from the source; non-positive sizes produce a
// MalformedFrame without consuming input. The body ends with the terminator
// once a positive size reads nothing from the source.
type Encoder struct {
	src     io.Reader
	sizes   *Worklist
	pending bytes.Buffer
	buf     []byte
	done    bool
}

// NewEncoder returns an Encoder over src using sizes as the worklist.
func NewEncoder(src io.Reader, sizes []int) *Encoder {
	return &Encoder{
		src:   src,
		sizes: NewWorklist(sizes),
	}
}

// nextFrame appends the next frame to pending. It returns io.EOF once the
// terminator has been queued.
func (e *Encoder) nextFrame() error {
	if e.done {
		return io.EOF
	}

	size := e.sizes.Next()
	if size <= 0 {
		e.pending.Write(MalformedFrame(size))
		return nil
	}

	if cap(e.buf) < size {
		e.buf = make([]byte, size)
	}
	buf := e.buf[:size]

	n, err := io.ReadFull(e.src, buf)
	if n > 0 {
		writeValidFrame(&e.pending, buf[:n])
	}
	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		// A short read still leaves the rest of the worklist to run.
		return nil
	case errors.Is(err, io.EOF):
		e.pending.WriteString(Terminator)
		e.done = true
		return nil
	default:
		return fmt.Errorf("read chunk source: %w", err)
	}
}

// Read implements io.Reader.
func (e *Encoder) Read(p []byte) (int, error) {
	for e.pending.Len() == 0 {
		if err := e.nextFrame(); err != nil {
			return 0, err
		}
	}
	return e.pending.Read(p)
}

// WriteTo writes the whole body to w one frame at a time.
func (e *Encoder) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		if e.pending.Len() == 0 {
			err := e.nextFrame()
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			if err != nil {
				return total, err
			}
		}
		n, err := e.pending.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
}

// EncodeReader reads src to exhaustion and returns the framed body.
func EncodeReader(src io.Reader, sizes []int) ([]byte, error) {
	var b bytes.Buffer
	if _, err := NewEncoder(src, sizes).WriteTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeFile frames the contents of the file at path.
func EncodeFile(path string, sizes []int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return EncodeReader(f, sizes)
}

// Decode parses a chunked body into its chunks. Chunk extensions are
// ignored; trailers after the last chunk are consumed and discarded.
func Decode(r io.Reader) ([][]byte, error) {
	var chunks [][]byte
	err := DecodeTo(r, func(chunk []byte) error {
		chunks = append(chunks, bytes.Clone(chunk))
		return nil
	})
	return chunks, err
}

// DecodeTo parses a chunked body calling fn for each chunk's data. The slice
// passed to fn is only valid for the duration of the call.
func DecodeTo(r io.Reader, fn func(chunk []byte) error) error {
	br := bufio.NewReader(r)
	var buf []byte

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("unexpected EOF while reading chunk header")
			}
			return fmt.Errorf("read chunk header: %w", err)
		}
		if !strings.HasSuffix(line, crlf) {
			return fmt.Errorf("chunk header %q not terminated by CRLF", line)
		}
		line = strings.TrimSuffix(line, crlf)

		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		if sizeHex == "" || strings.HasPrefix(sizeHex, "-") || strings.HasPrefix(sizeHex, "+") {
			return fmt.Errorf("invalid chunk size %q", sizeHex)
		}
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}

		if size == 0 {
			// Trailers, if any, run until an empty line.
			for {
				trailer, err := br.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read chunk trailer: %w", err)
				}
				if trailer == crlf {
					return nil
				}
			}
		}

		if int64(cap(buf)) < size {
			buf = make([]byte, size)
		}
		chunk := buf[:size]
		if _, err := io.ReadFull(br, chunk); err != nil {
			return fmt.Errorf("short read while reading chunk body: expected %d bytes: %w", size, err)
		}

		var tail [2]byte
		if _, err := io.ReadFull(br, tail[:]); err != nil {
			return fmt.Errorf("read CRLF after chunk: %w", err)
		}
		if string(tail[:]) != crlf {
			return fmt.Errorf("expected CRLF after chunk, got %q", tail[:])
		}

		if err := fn(chunk); err != nil {
			return err
		}
	}
}
