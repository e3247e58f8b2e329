package socket

import "sync"

// Buffer classes sized for the pump: one MTU-sized packet plus protocol
// overhead, a jumbo class for stream transports, and the largest frame.
// Only buffers whose capacity matches a class go back to a pool.
var sizeClasses = [...]int{2048, 16384, MaxFrameSize + 256}

var pools [len(sizeClasses)]sync.Pool

func init() {
	for i, size := range sizeClasses {
		size := size
		pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

func classFor(n int) int {
	for i, size := range sizeClasses {
		if n <= size {
			return i
		}
	}
	return -1
}

func pktGet(n int) []byte {
	i := classFor(n)
	if i < 0 {
		return make([]byte, n)
	}
	p := pools[i].Get().(*[]byte)
	return (*p)[:n]
}

func pktClass(b []byte) int {
	for i, size := range sizeClasses {
		if cap(b) == size {
			return i
		}
	}
	return -1
}

func pktPut(b []byte) {
	if i := pktClass(b); i >= 0 {
		b = b[:sizeClasses[i]]
		pools[i].Put(&b)
	}
}

// PktGet returns a buffer of length n, pooled when n fits a class.
func PktGet(n int) []byte { return pktGet(n) }

// PktShouldPut reports whether a buffer originated from one of the pools.
func PktShouldPut(b []byte) bool { return pktClass(b) >= 0 }
