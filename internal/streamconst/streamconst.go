// Package streamconst holds the streaming constants fixed by spec §6.3.
package streamconst

import "time"

// StreamingWindowSize is the per-terminal unacked-byte budget before the
// throttled output stream pauses.
const StreamingWindowSize = 200_000

// AckThreshold is the cumulative unacked byte count at which a client pipe
// consumer issues an ack.
const AckThreshold = StreamingWindowSize / 2

// PTYReadBufferSize bounds a single read from a process's pty master.
const PTYReadBufferSize = 1024

// PipeTTLProd and PipeTTLDebug bound a pipe body's idle time before
// teardown; callers pick one via Debug.
const (
	PipeTTLProd  = time.Hour
	PipeTTLDebug = 5 * time.Second
)

// KeepaliveTTLProd and KeepaliveTTLDebug bound the interval within which a
// client pipe must re-issue keepalive; always strictly less than the
// matching PipeTTL.
const (
	KeepaliveTTLProd  = 20 * time.Second
	KeepaliveTTLDebug = 3 * time.Second
)

// KeepaliveBoot bounds the time between pipe creation and its first
// keepalive call.
const KeepaliveBoot = 5 * time.Second

// PendingChannelTimeoutProd and PendingChannelTimeoutDebug bound how long an
// upload-pairing entry waits before it is evicted.
const (
	PendingChannelTimeoutProd  = 15 * time.Second
	PendingChannelTimeoutDebug = 2 * time.Second
)

// MaxPendingChannelsProd and MaxPendingChannelsDebug cap the number of
// concurrently pending upload-pairing entries.
const (
	MaxPendingChannelsProd  = 10
	MaxPendingChannelsDebug = 3
)

// ReconnectInitialBackoff and ReconnectMaxBackoff bound the client pipe's
// exponential reconnect backoff.
const (
	ReconnectInitialBackoff = 50 * time.Millisecond
	ReconnectMaxBackoff     = 5 * time.Second
)

// Durations picks the debug or production value for the constants that vary
// by build mode, mirroring the teacher's environment-driven config pattern.
type Durations struct {
	PipeTTL               time.Duration
	KeepaliveTTL          time.Duration
	PendingChannelTimeout time.Duration
	MaxPendingChannels    int
}

// Prod returns the production timing profile.
func Prod() Durations {
	return Durations{
		PipeTTL:               PipeTTLProd,
		KeepaliveTTL:          KeepaliveTTLProd,
		PendingChannelTimeout: PendingChannelTimeoutProd,
		MaxPendingChannels:    MaxPendingChannelsProd,
	}
}

// Debug returns the debug timing profile used by tests and local runs.
func Debug() Durations {
	return Durations{
		PipeTTL:               PipeTTLDebug,
		KeepaliveTTL:          KeepaliveTTLDebug,
		PendingChannelTimeout: PendingChannelTimeoutDebug,
		MaxPendingChannels:    MaxPendingChannelsDebug,
	}
}
