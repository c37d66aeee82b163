package transport

import (
	"bytes"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrNotConnected = errors.New("transport: no client connected")
)

const (
	readBufferSize = 1024
	// a peer that never terminates its lines cannot grow the buffer forever
	maxPendingBytes = 4096
	stopTimeout     = time.Second
)

// LineHandler is called with every complete line received and returns the
// bytes to write back. An empty response writes nothing.
type LineHandler func(line string) string

// Transport is a byte exact, line oriented serial link.
type Transport interface {
	Start(handler LineHandler) error
	// Write sends unsolicited data, independent of the read loop.
	Write(data []byte) error
	Stop() error
	Info() string
}

// LineFramer splits a byte stream into lines terminated by CR or LF.
// Blank lines are dropped and bytes are passed through unchanged.
type LineFramer struct {
	buf       []byte
	discarded int
}

// Feed appends data and returns every line completed by it, without the
// terminator.
func (f *LineFramer) Feed(data []byte) []string {
	f.buf = append(f.buf, data...)

	var lines []string
	start := 0
	for i, b := range f.buf {
		if b != '\r' && b != '\n' {
			continue
		}
		line := f.buf[start:i]
		start = i + 1
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, string(line))
		}
	}
	f.buf = append(f.buf[:0], f.buf[start:]...)
	if len(f.buf) > maxPendingBytes {
		f.discarded += len(f.buf)
		f.buf = f.buf[:0]
	}
	return lines
}

// Pending returns the number of buffered bytes not yet terminated.
func (f *LineFramer) Pending() int {
	return len(f.buf)
}

// Discarded returns the total number of unterminated bytes thrown away.
func (f *LineFramer) Discarded() int {
	return f.discarded
}

// serveLines reads r until it fails, answering every line through write.
func serveLines(r io.Reader, write func([]byte) error, handler LineHandler, logger *zap.Logger) error {
	var framer LineFramer
	discarded := 0
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines := framer.Feed(buf[:n])
			if d := framer.Discarded(); d > discarded {
				logger.Warn("discarding unterminated input", zap.Int("bytes", d-discarded), zap.Int("limit", maxPendingBytes))
				discarded = d
			}
			for _, line := range lines {
				resp := handler(line)
				if resp == "" {
					continue
				}
				if werr := write([]byte(resp)); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			return err
		}
	}
}
