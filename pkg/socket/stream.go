package socket

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize is the largest frame a StreamTransport carries.
const MaxFrameSize = 0xFFFF

// StreamTransport frames messages on a byte stream with a 16 bit
// big-endian length prefix (the OpenVPN TCP framing, also used for
// packets inside V2Ray protocol streams).
//
// A read deadline that fires mid-frame keeps the partial frame; the next
// ReadFrame resumes it, so timeouts never desynchronize the stream.
type StreamTransport struct {
	rw          io.ReadWriteCloser
	readTimeout time.Duration
	metrics     Metrics

	rmu  sync.Mutex
	rbuf []byte
	have int
	need int

	wmu  sync.Mutex
	wbuf []byte
}

// NewStreamTransport wraps rw. The read timeout only applies when rw
// supports deadlines.
func NewStreamTransport(rw io.ReadWriteCloser, readTimeout time.Duration) *StreamTransport {
	return &StreamTransport{
		rw:          rw,
		readTimeout: readTimeout,
		rbuf:        make([]byte, 2+MaxFrameSize),
		need:        2,
		wbuf:        make([]byte, 2+MaxFrameSize),
	}
}

// ReadFrame reads the next complete frame into buf.
func (t *StreamTransport) ReadFrame(buf []byte) (int, error) {
	var dl time.Time
	if t.readTimeout > 0 {
		dl = deadline(t.readTimeout)
	}
	return t.readFrame(buf, dl)
}

// ReadFrameBefore is ReadFrame with an absolute deadline instead of the
// transport read timeout. Handshakes use it to bound the whole exchange.
func (t *StreamTransport) ReadFrameBefore(buf []byte, dl time.Time) (int, error) {
	return t.readFrame(buf, dl)
}

func (t *StreamTransport) readFrame(buf []byte, dl time.Time) (int, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	if c, ok := t.rw.(interface{ SetReadDeadline(time.Time) error }); ok && !dl.IsZero() {
		if err := c.SetReadDeadline(dl); err != nil {
			return 0, wrapIO("set deadline", err)
		}
	}
	for t.have < t.need {
		n, err := t.rw.Read(t.rbuf[t.have:t.need])
		t.have += n
		if t.have == 2 && t.need == 2 {
			t.need = 2 + int(binary.BigEndian.Uint16(t.rbuf[:2]))
		}
		if err != nil && t.have < t.need {
			if err == io.EOF && t.have > 0 {
				err = io.ErrUnexpectedEOF
			}
			if !IsTimeout(err) {
				t.metrics.recordError()
			}
			return 0, wrapIO("read", err)
		}
	}

	size := t.need - 2
	t.have, t.need = 0, 2
	if size > len(buf) {
		t.metrics.recordError()
		return 0, wrapIO("read", fmt.Errorf("frame of %d bytes exceeds buffer of %d", size, len(buf)))
	}
	copy(buf, t.rbuf[2:2+size])
	t.metrics.recordReceived(size)
	return size, nil
}

// WriteFrame writes the length prefix and frame in one Write call.
func (t *StreamTransport) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return wrapIO("write", fmt.Errorf("frame too large: %d", len(frame)))
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	binary.BigEndian.PutUint16(t.wbuf[:2], uint16(len(frame)))
	copy(t.wbuf[2:], frame)
	if _, err := t.rw.Write(t.wbuf[:2+len(frame)]); err != nil {
		t.metrics.recordError()
		return wrapIO("write", err)
	}
	t.metrics.recordSent(len(frame))
	return nil
}

// Metrics returns a copy of the transport counters.
func (t *StreamTransport) Metrics() Metrics { return t.metrics.Snapshot() }

func (t *StreamTransport) Close() error { return t.rw.Close() }

// RemoteAddr returns the peer address when the stream is a net.Conn.
func (t *StreamTransport) RemoteAddr() net.Addr {
	if c, ok := t.rw.(net.Conn); ok {
		return c.RemoteAddr()
	}
	return nil
}
