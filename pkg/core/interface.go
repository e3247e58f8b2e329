package core

// Interface is the virtual network interface the engine forwards packets
// between. It is owned by the host; the engine never creates or
// configures it and only reads and writes whole IP packets.
type Interface interface {
	// ReadPacket blocks until one outbound IP packet is available and
	// copies it into buf.
	ReadPacket(buf []byte) (int, error)

	// WritePacket delivers one inbound IP packet to the host.
	WritePacket(pkt []byte) (int, error)

	// MTU returns the interface MTU.
	MTU() (int, error)

	// Close unblocks pending reads. The handler calls it only for
	// interfaces it was asked to own.
	Close() error
}

// InterfaceMetrics contains counters kept by Interface implementations.
type InterfaceMetrics struct {
	// PacketsRead is the number of packets read from the interface
	PacketsRead uint64

	// PacketsWritten is the number of packets written to the interface
	PacketsWritten uint64

	// BytesRead is the number of bytes read from the interface
	BytesRead uint64

	// BytesWritten is the number of bytes written to the interface
	BytesWritten uint64

	// Errors is the number of errors encountered
	Errors uint64
}
