package qmi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Bring-up defaults.
const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

type options struct {
	readyTimeout  time.Duration
	pollInterval  time.Duration
	firmwareDelay time.Duration
	maxQueued     int
	maxClients    int
	watchLink     bool
	readMEID      bool
	registerer    prometheus.Registerer
}

func defaultOptions() options {
	return options{
		readyTimeout: DefaultReadyTimeout,
		pollInterval: DefaultPollInterval,
		watchLink:    true,
		readMEID:     true,
	}
}

// Option configures a Device.
type Option func(*options)

// WithReadyTimeout bounds the readiness handshake.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readyTimeout = d
		}
	}
}

// WithPollInterval sets the spacing between readiness probes.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithFirmwareDelay pauses after the handshake. Firmware older than 3580
// needs about five seconds before it accepts client allocations.
func WithFirmwareDelay(d time.Duration) Option {
	return func(o *options) { o.firmwareDelay = d }
}

// WithMaxQueued caps the inbound messages queued per client. When the cap
// is reached the oldest message is dropped. Zero means unbounded.
func WithMaxQueued(n int) Option {
	return func(o *options) { o.maxQueued = n }
}

// WithMaxClients caps the number of registered clients, including the
// control client. Zero means unbounded.
func WithMaxClients(n int) Option {
	return func(o *options) { o.maxClients = n }
}

// WithLinkWatcher enables or disables the WDS event watcher started during
// Register.
func WithLinkWatcher(enabled bool) Option {
	return func(o *options) { o.watchLink = enabled }
}

// WithMEID enables or disables reading the MEID during Register.
func WithMEID(enabled bool) Option {
	return func(o *options) { o.readMEID = enabled }
}

// WithMetrics registers the device collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}
