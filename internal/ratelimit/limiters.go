package ratelimit

// These are process-wide constants, not
// configuration: the source does not expose them as tunable options.
const (
	// MaxPingsGlobal is the maximum number of distinct IPs the ping limiter
	// will track within one cleanup window.
	MaxPingsGlobal = 5000
	// MaxPingsPerIP is the maximum number of ping replies a single IP may
	// receive within one cleanup window.
	MaxPingsPerIP = 20

	// MaxReflectionConnectionsGlobal is the maximum number of distinct IPs the
	// reflection limiter will track within one 60s window.
	MaxReflectionConnectionsGlobal = 5000
	// MaxReflectionRequestsPerIP is the maximum number of reflection replies a
	// single IP may receive within one 60s window.
	MaxReflectionRequestsPerIP = 20
)

// NewPingLimiter returns the window counter backing the ping rate limit
// Its window is the interval between two
// consecutive heartbeat cleanup passes; callers reset it from there.
func NewPingLimiter() *WindowCounter {
	return NewWindowCounter(MaxPingsGlobal, MaxPingsPerIP)
}

// NewReflectionLimiter returns the window counter backing the reflection
// Its window is a fixed 60s wall-
// clock timer, independent of the heartbeat.
func NewReflectionLimiter() *WindowCounter {
	return NewWindowCounter(MaxReflectionConnectionsGlobal, MaxReflectionRequestsPerIP)
}
