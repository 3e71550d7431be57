package h2client

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"

	"github.com/MercuryTechnologies/http2-client/frame"
)

// Config holds the caller-visible configuration knobs spec.md section 6
// names, populated with the RFC 7540 defaults and adjustable through the
// functional Options below. Grounded on the functional-options Config
// pattern used elsewhere in the pack for connection setup, generalized
// from the teacher's inline constants (transportDefaultConnFlow,
// transportDefaultStreamFlow, initialHeaderTableSize).
type Config struct {
	Host string
	Port int

	TLSConfig *tls.Config // certificate verification policy is entirely the caller's (spec.md section 1 non-goal)

	InterPingDelay time.Duration // 0 disables the optional ping loop
	PingTimeout    time.Duration

	InterFlowControlUpdates time.Duration

	SettingsMaxConcurrentStreams uint32
	SettingsMaxFrameSize         uint32
	SettingsMaxHeaderListSize    uint32
	SettingsInitialWindowSize    uint32
	SettingsHeaderTableSize      uint32

	Logger zerolog.Logger

	// OnGoAway, if set, is called when the peer sends GOAWAY.
	OnGoAway func(GoAwayEvent)

	// OnPushPromise, if set, is called for each decoded PUSH_PROMISE.
	OnPushPromise func(PushPromiseEvent)

	// OnUnknownFrame, if set, is called for frame types this module does
	// not itself interpret (the fallback sink spec.md section 9 requires).
	OnUnknownFrame func(UnknownFrameEvent)
}

// DefaultConfig returns a Config seeded with RFC 7540/spec.md section 6
// defaults; Option values layered on top only need to override what they
// care about.
func DefaultConfig() Config {
	return Config{
		Port:                         443,
		InterPingDelay:               0,
		PingTimeout:                  10 * time.Second,
		InterFlowControlUpdates:      1000 * time.Millisecond,
		SettingsMaxConcurrentStreams: frame.DefaultMaxConcurrentStreams,
		SettingsMaxFrameSize:         frame.DefaultMaxFrameSize,
		SettingsMaxHeaderListSize:    1 << 20,
		SettingsInitialWindowSize:    frame.DefaultInitialWindowSize,
		SettingsHeaderTableSize:      frame.DefaultHeaderTableSize,
		Logger:                       zerolog.Nop(),
	}
}

// Option mutates a Config in place; Dial applies them in order over
// DefaultConfig's values.
type Option func(*Config)

// WithHostPort sets the dial target.
func WithHostPort(host string, port int) Option {
	return func(c *Config) {
		c.Host = host
		c.Port = port
	}
}

// WithTLSConfig overrides the TLS configuration used to establish the
// connection, including certificate verification policy.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Config) { c.TLSConfig = tc }
}

// WithPingInterval enables the dispatcher's optional liveness ping loop,
// sending a PING every d and failing the connection if timeout passes
// without an ACK.
func WithPingInterval(d, timeout time.Duration) Option {
	return func(c *Config) {
		c.InterPingDelay = d
		c.PingTimeout = timeout
	}
}

// WithFlowControlInterval overrides how often accumulated inbound credit
// is flushed via WINDOW_UPDATE.
func WithFlowControlInterval(d time.Duration) Option {
	return func(c *Config) { c.InterFlowControlUpdates = d }
}

// WithMaxConcurrentStreams overrides the local SETTINGS_MAX_CONCURRENT_STREAMS.
func WithMaxConcurrentStreams(n uint32) Option {
	return func(c *Config) { c.SettingsMaxConcurrentStreams = n }
}

// WithMaxFrameSize overrides the local SETTINGS_MAX_FRAME_SIZE.
func WithMaxFrameSize(n uint32) Option {
	return func(c *Config) { c.SettingsMaxFrameSize = n }
}

// WithMaxHeaderListSize overrides the local SETTINGS_MAX_HEADER_LIST_SIZE.
func WithMaxHeaderListSize(n uint32) Option {
	return func(c *Config) { c.SettingsMaxHeaderListSize = n }
}

// WithInitialWindowSize overrides the local SETTINGS_INITIAL_WINDOW_SIZE,
// which also seeds every new stream's inbound window.
func WithInitialWindowSize(n uint32) Option {
	return func(c *Config) { c.SettingsInitialWindowSize = n }
}

// WithHeaderTableSize overrides the local SETTINGS_HEADER_TABLE_SIZE,
// bounding the decoder's dynamic table.
func WithHeaderTableSize(n uint32) Option {
	return func(c *Config) { c.SettingsHeaderTableSize = n }
}

// WithLogger attaches a structured logger; the connection and its
// components log as children of it.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithGoAwayHandler registers a callback invoked when the peer sends
// GOAWAY.
func WithGoAwayHandler(f func(GoAwayEvent)) Option {
	return func(c *Config) { c.OnGoAway = f }
}

// WithPushPromiseHandler registers a callback invoked for each decoded
// PUSH_PROMISE.
func WithPushPromiseHandler(f func(PushPromiseEvent)) Option {
	return func(c *Config) { c.OnPushPromise = f }
}

// WithUnknownFrameHandler registers the fallback sink for frame types
// this module does not itself interpret.
func WithUnknownFrameHandler(f func(UnknownFrameEvent)) Option {
	return func(c *Config) { c.OnUnknownFrame = f }
}
