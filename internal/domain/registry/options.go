package registry

import "time"

// Option is a functional configuration knob for the Hub.
type Option func(*Hub)

// WithMailboxSize sets the buffer capacity of each subject's mailbox.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}

// WithSendTimeout bounds how long a cell waits on a saturated connection
// before shedding.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.sendTimeout = d
	}
}

// WithIdleTimeout defines the quiet period after which a sessionless cell
// is eligible for janitor eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithEvictionInterval configures how often the janitor runs.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}
