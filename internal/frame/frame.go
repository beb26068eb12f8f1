package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Wire framing: each frame is an ASCII decimal length, a newline, then
// exactly length bytes consisting of the channel id, a newline, and the
// payload. A frame with an empty channel id is a control frame.

// ErrFraming reports a malformed frame on the transport. It is fatal to
// the session; the reader cannot resynchronize after it.
var ErrFraming = errors.New("malformed frame")

const maxLengthDigits = 10

// MaxFrameSize caps a single frame so a corrupt length header cannot
// force a matching allocation.
const MaxFrameSize = 8 * 1024 * 1024

// Reader decodes frames from a byte stream. It is not safe for
// concurrent use; a session owns exactly one reader.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next (channel, payload) pair. It returns io.EOF on
// clean transport closure at a frame boundary and ErrFraming for
// anything the codec cannot parse.
func (r *Reader) Next() (string, []byte, error) {
	size, err := r.readLength()
	if err != nil {
		return "", nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return "", nil, fmt.Errorf("%w: truncated frame body: %v", ErrFraming, err)
	}
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return "", nil, fmt.Errorf("%w: missing channel separator", ErrFraming)
	}
	return string(buf[:idx]), buf[idx+1:], nil
}

func (r *Reader) readLength() (int, error) {
	size := 0
	for digits := 0; ; digits++ {
		b, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF && digits == 0 {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("%w: truncated frame header: %v", ErrFraming, err)
		}
		if b == '\n' {
			if digits == 0 {
				return 0, fmt.Errorf("%w: empty frame length", ErrFraming)
			}
			if size > MaxFrameSize {
				return 0, fmt.Errorf("%w: frame length %d over limit", ErrFraming, size)
			}
			return size, nil
		}
		if b < '0' || b > '9' || digits >= maxLengthDigits {
			return 0, fmt.Errorf("%w: invalid frame length", ErrFraming)
		}
		size = size*10 + int(b-'0')
	}
}

// Writer encodes frames onto a byte stream. WriteFrame is atomic with
// respect to concurrent writers: partial frames never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteFrame(channel string, payload []byte) error {
	size := len(channel) + 1 + len(payload)
	buf := make([]byte, 0, size+maxLengthDigits+1)
	buf = append(buf, fmt.Sprintf("%d\n", size)...)
	buf = append(buf, channel...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(buf)
	return err
}
