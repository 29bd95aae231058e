package conn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLong is returned for a frame exceeding the configured maximum.
// The oversize frame has been consumed; reading may continue.
var ErrFrameTooLong = errors.New("frame exceeds maximum length")

// FrameReader splits a byte stream into newline-terminated frames. A
// trailing carriage return is stripped and empty lines are skipped.
type FrameReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewFrameReader(r io.Reader, maxLength, bufferSize int) *FrameReader {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	if maxLength > 0 && bufferSize > maxLength+2 {
		bufferSize = maxLength + 2
	}
	if bufferSize < 16 {
		bufferSize = 16
	}
	return &FrameReader{
		r:   bufio.NewReaderSize(r, bufferSize),
		max: maxLength,
	}
}

// Next returns the next non-empty frame without its line terminator. The
// returned slice is only valid until the following call. A partial frame at
// end of stream is discarded and io.EOF returned.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		frame, err := fr.line()
		if err != nil {
			return nil, err
		}
		if len(frame) > 0 {
			return frame, nil
		}
	}
}

func (fr *FrameReader) line() ([]byte, error) {
	fr.buf = fr.buf[:0]
	read := 0
	tooLong := false
	var last byte

	for {
		chunk, err := fr.r.ReadSlice('\n')
		read += len(chunk)
		if len(chunk) > 0 {
			last = chunk[len(chunk)-1]
		}

		// content is a lower bound until the terminator is seen: a trailing
		// '\r' may still turn out to be part of "\r\n".
		content := read
		if err == nil {
			content--
			if content > 0 && fr.byteBefore(chunk) == '\r' {
				content--
			}
		} else if last == '\r' {
			content--
		}

		if !tooLong {
			if fr.max > 0 && content > fr.max {
				tooLong = true
				fr.buf = fr.buf[:0]
			} else {
				fr.buf = append(fr.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, read)
			}
			return fr.buf[:content], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// byteBefore returns the byte preceding the final '\n' of chunk, looking
// into the already buffered part of the frame when chunk is just "\n".
func (fr *FrameReader) byteBefore(chunk []byte) byte {
	if len(chunk) >= 2 {
		return chunk[len(chunk)-2]
	}
	if len(fr.buf) > 0 {
		return fr.buf[len(fr.buf)-1]
	}
	return 0
}
