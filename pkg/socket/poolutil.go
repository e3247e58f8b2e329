package socket

import (
	"os"
	"strings"
	"sync/atomic"
)

var poolFlag uint32 = 1

func init() {
	// Pooling is on by default; POOLING=0 turns it off when chasing
	// buffer ownership bugs.
	v := strings.ToLower(strings.TrimSpace(os.Getenv("POOLING")))
	if v == "0" || v == "false" || v == "no" || v == "off" {
		atomic.StoreUint32(&poolFlag, 0)
	}
}

func poolingEnabled() bool { return atomic.LoadUint32(&poolFlag) == 1 }

// SetPooling switches buffer pooling on or off at runtime.
func SetPooling(on bool) {
	if on {
		atomic.StoreUint32(&poolFlag, 1)
	} else {
		atomic.StoreUint32(&poolFlag, 0)
	}
}

// GetBuffer returns a byte slice of length n, using the pool when enabled.
func GetBuffer(n int) []byte {
	if poolingEnabled() {
		return pktGet(n)
	}
	return make([]byte, n)
}

// PutBuffer releases a buffer obtained from GetBuffer. It is safe to call
// with any slice; foreign buffers are left to the garbage collector.
func PutBuffer(b []byte) {
	if poolingEnabled() {
		pktPut(b)
	}
}
