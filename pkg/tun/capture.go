package tun

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
)

// PCAPWriter writes raw IP packets (LINKTYPE_RAW) to a pcap stream.
type PCAPWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewPCAPWriter writes the pcap global header to w.
func NewPCAPWriter(w io.Writer) (*PCAPWriter, error) {
	// magic 0xa1b2c3d4, version 2.4, tz 0, sigfigs 0, snaplen 65535, network LINKTYPE_RAW (101)
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], 65535)
	binary.LittleEndian.PutUint32(hdr[20:24], 101)
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	p := &PCAPWriter{w: w}
	if c, ok := w.(io.Closer); ok {
		p.c = c
	}
	return p, nil
}

// CreatePCAP creates (truncates) path and returns a writer for it.
func CreatePCAP(path string) (*PCAPWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap %s: %w", path, err)
	}
	p, err := NewPCAPWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// WritePacket appends one packet record. Errors are ignored: capture must
// never disturb forwarding.
func (p *PCAPWriter) WritePacket(b []byte) {
	if len(b) == 0 { return }
	// per-packet header: ts_sec, ts_usec, incl_len, orig_len (all LE)
	ph := make([]byte, 16)
	now := time.Now()
	binary.LittleEndian.PutUint32(ph[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(ph[4:8], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(ph[8:12], uint32(len(b)))
	binary.LittleEndian.PutUint32(ph[12:16], uint32(len(b)))
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.w.Write(ph)
	_, _ = p.w.Write(b)
}

// Close closes the underlying file, if any.
func (p *PCAPWriter) Close() error {
	if p.c == nil { return nil }
	return p.c.Close()
}

// Capture tees every packet crossing an interface into a PCAPWriter.
type Capture struct {
	core.Interface
	pcap *PCAPWriter
}

// NewCapture wraps iface.
func NewCapture(iface core.Interface, pcap *PCAPWriter) *Capture {
	return &Capture{Interface: iface, pcap: pcap}
}

func (c *Capture) ReadPacket(buf []byte) (int, error) {
	n, err := c.Interface.ReadPacket(buf)
	if err == nil && n > 0 {
		c.pcap.WritePacket(buf[:n])
	}
	return n, err
}

func (c *Capture) WritePacket(pkt []byte) (int, error) {
	c.pcap.WritePacket(pkt)
	return c.Interface.WritePacket(pkt)
}

// Close closes the interface and the capture file.
func (c *Capture) Close() error {
	err := c.Interface.Close()
	if cerr := c.pcap.Close(); err == nil {
		err = cerr
	}
	return err
}
