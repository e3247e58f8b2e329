package wireguard

import "time"

// Protocol limits, as in the WireGuard whitepaper section 6.
const (
	RekeyAfterMessages  = uint64(1) << 60
	RejectAfterMessages = ^uint64(0) - (1 << 13)
	RekeyAfterTime      = 120 * time.Second
	RejectAfterTime     = 180 * time.Second
	RekeyTimeout        = 5 * time.Second

	// cookieLifetime is how long a cookie from a cookie reply stays valid.
	cookieLifetime = 120 * time.Second
)
