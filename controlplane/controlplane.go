// Package controlplane implements stream-0 frame semantics: SETTINGS
// negotiation and ACK, PING echo/RTT, GOAWAY delivery, and connection-level
// WINDOW_UPDATE. Grounded on clientConnReadLoop.processSettings/
// processGoAway/processWindowUpdate in the teacher
// (golang-net/http2/transport.go), generalized per spec.md section 4.7 to
// also emit the SETTINGS ACK the teacher's read-once-at-dial client never
// sends.
package controlplane

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MercuryTechnologies/http2-client/flowcontrol"
	"github.com/MercuryTechnologies/http2-client/frame"
)

// Settings is the negotiated SETTINGS state for one direction, mirroring
// spec.md section 3's ConnectionSettings.Settings shape.
type Settings struct {
	MaxFrameSize         uint32
	MaxConcurrentStreams uint32
	MaxHeaderListSize    uint32
	InitialWindowSize    uint32
	HeaderTableSize      uint32
	EnablePush           bool
}

// DefaultSettings returns the RFC 7540 defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxFrameSize:         frame.DefaultMaxFrameSize,
		MaxConcurrentStreams: frame.DefaultMaxConcurrentStreams,
		MaxHeaderListSize:    1 << 20,
		InitialWindowSize:    frame.DefaultInitialWindowSize,
		HeaderTableSize:      frame.DefaultHeaderTableSize,
		EnablePush:           true,
	}
}

// Sender is the subset of the dispatcher's writer the control plane needs
// in order to emit ACKs, pongs, and GOAWAY frames.
type Sender interface {
	WriteControlFrame(h frame.Header, payload []byte) error
	AdjustStreamWindows(delta int32) error
	SetEncoderMaxDynamicTableSize(v uint32)
	SetDecoderMaxDynamicTableSize(v uint32)
	SetRemoteMaxFrameSize(v uint32)
	TerminateStream(id uint32, code frame.ErrCode)
	ReceivedStreamIDsAbove(lastStreamID uint32) []uint32
}

// PingWaiter is satisfied by an in-flight Ping call awaiting its ACK.
type PingWaiter struct {
	Payload [8]byte
	Sent    time.Time
	Reply   chan PingResult
}

// PingResult is delivered to a Ping caller once its ACK arrives.
type PingResult struct {
	RTT time.Duration
	Err error
}

// GoAwayEvent is delivered to the caller-supplied GoAway handler.
type GoAwayEvent struct {
	LastStreamID uint32
	Code         frame.ErrCode
	Debug        []byte
}

// ControlPlane owns stream-0 semantics for one connection.
type ControlPlane struct {
	log    zerolog.Logger
	sender Sender

	mu          sync.Mutex
	local       Settings
	remote      Settings
	connOutflow *flowcontrol.Window

	pendingPings map[[8]byte]*PingWaiter

	goAwayReceived bool
	goAwayHandler  func(GoAwayEvent)
}

// SetSender wires the Sender after construction, for the case (the
// h2client package) where the Sender implementation (the dispatcher) must
// itself be constructed with a reference to this ControlPlane, making a
// direct constructor-argument cycle impossible.
func (c *ControlPlane) SetSender(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// New returns a ControlPlane. connOutflow is the connection-level outbound
// flow-control window it adjusts on stream-0 WINDOW_UPDATE. sender may be
// nil at construction time and wired later with SetSender.
func New(sender Sender, connOutflow *flowcontrol.Window, local Settings, log zerolog.Logger, goAwayHandler func(GoAwayEvent)) *ControlPlane {
	if goAwayHandler == nil {
		goAwayHandler = func(GoAwayEvent) {}
	}
	return &ControlPlane{
		log:           log.With().Str("component", "controlplane").Logger(),
		sender:        sender,
		local:         local,
		remote:        DefaultSettings(),
		connOutflow:   connOutflow,
		pendingPings:  make(map[[8]byte]*PingWaiter),
		goAwayHandler: goAwayHandler,
	}
}

// Remote returns a snapshot of the peer's currently-effective settings.
func (c *ControlPlane) Remote() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// HandleSettings processes a stream-0 SETTINGS frame: a non-ACK frame is
// merged into remote settings and ACKed; an ACK frame commits our own
// locally-advertised SETTINGS_HEADER_TABLE_SIZE to the decoder (RFC 7540
// section 6.5.3: a sent SETTINGS value only takes effect once the peer
// ACKs it).
func (c *ControlPlane) HandleSettings(f frame.Frame) error {
	if f.Flags.Has(frame.FlagAck) {
		c.log.Debug().Msg("received SETTINGS ACK")
		c.mu.Lock()
		tableSize := c.local.HeaderTableSize
		c.mu.Unlock()
		c.HandleDecoderSettingsCommit(tableSize)
		return nil
	}

	settings := frame.ParseSettings(f.Payload)
	c.mu.Lock()
	var windowDelta int64
	for _, s := range settings {
		switch s.ID {
		case frame.SettingHeaderTableSize:
			c.remote.HeaderTableSize = s.Val
			c.sender.SetEncoderMaxDynamicTableSize(s.Val)
		case frame.SettingEnablePush:
			c.remote.EnablePush = s.Val != 0
		case frame.SettingMaxConcurrentStreams:
			c.remote.MaxConcurrentStreams = s.Val
		case frame.SettingInitialWindowSize:
			windowDelta = int64(s.Val) - int64(c.remote.InitialWindowSize)
			c.remote.InitialWindowSize = s.Val
		case frame.SettingMaxFrameSize:
			c.remote.MaxFrameSize = s.Val
			c.sender.SetRemoteMaxFrameSize(s.Val)
		case frame.SettingMaxHeaderListSize:
			c.remote.MaxHeaderListSize = s.Val
		}
	}
	c.mu.Unlock()

	if windowDelta != 0 {
		if err := c.sender.AdjustStreamWindows(int32(windowDelta)); err != nil {
			return frame.ConnectionError{Code: frame.ErrCodeFlowControl, Cause: err}
		}
	}

	c.log.Debug().Int("count", len(settings)).Msg("applied SETTINGS, sending ACK")
	return c.sender.WriteControlFrame(frame.Header{Type: frame.TypeSettings, Flags: frame.FlagAck}, nil)
}

// HandleDecoderSettingsCommit is called once our own previously-sent
// SETTINGS frame is ACKed by the peer, committing any decoder-side state
// (e.g. a shrunk SETTINGS_HEADER_TABLE_SIZE we advertised).
func (c *ControlPlane) HandleDecoderSettingsCommit(tableSize uint32) {
	c.sender.SetDecoderMaxDynamicTableSize(tableSize)
}

// HandlePing processes a stream-0 PING frame: a non-ACK frame is echoed
// back with the ACK flag; an ACK frame is correlated against an
// outstanding Ping call by payload and delivers the measured RTT.
func (c *ControlPlane) HandlePing(f frame.Frame) error {
	payload := frame.PingPayload(f)
	if !f.Flags.Has(frame.FlagAck) {
		return c.sender.WriteControlFrame(frame.Header{Type: frame.TypePing, Flags: frame.FlagAck}, payload[:])
	}

	c.mu.Lock()
	w, ok := c.pendingPings[payload]
	if ok {
		delete(c.pendingPings, payload)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn().Msg("received PING ACK with no matching outstanding ping")
		return nil
	}
	w.Reply <- PingResult{RTT: time.Since(w.Sent)}
	return nil
}

// RegisterPing records payload as awaiting its ACK, returning the channel
// the caller should block on for the result.
func (c *ControlPlane) RegisterPing(payload [8]byte) <-chan PingResult {
	reply := make(chan PingResult, 1)
	c.mu.Lock()
	c.pendingPings[payload] = &PingWaiter{Payload: payload, Sent: time.Now(), Reply: reply}
	c.mu.Unlock()
	return reply
}

// FailPing delivers err to a previously registered ping awaiting its ACK,
// e.g. on local timeout.
func (c *ControlPlane) FailPing(payload [8]byte, err error) {
	c.mu.Lock()
	w, ok := c.pendingPings[payload]
	if ok {
		delete(c.pendingPings, payload)
	}
	c.mu.Unlock()
	if ok {
		w.Reply <- PingResult{Err: err}
	}
}

// HandleGoAway processes a GOAWAY frame: delivers the event to the
// configured handler and terminates any stream with an ID above
// lastStreamID with REFUSED_STREAM (spec.md section 4.7).
func (c *ControlPlane) HandleGoAway(f frame.Frame) error {
	lastStreamID, code, debug := frame.DecodeGoAway(f.Payload)

	c.mu.Lock()
	c.goAwayReceived = true
	c.mu.Unlock()

	c.log.Info().Uint32("last_stream_id", lastStreamID).Stringer("code", code).Msg("received GOAWAY")

	for _, id := range c.sender.ReceivedStreamIDsAbove(lastStreamID) {
		c.sender.TerminateStream(id, frame.ErrCodeRefusedStream)
	}
	c.goAwayHandler(GoAwayEvent{LastStreamID: lastStreamID, Code: code, Debug: debug})
	return nil
}

// GoAwayReceived reports whether a GOAWAY has been received from the peer,
// used to reject new start_stream calls with GoAwayInProgress.
func (c *ControlPlane) GoAwayReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goAwayReceived
}

// HandleConnectionWindowUpdate processes a stream-0 WINDOW_UPDATE frame,
// incrementing the connection outbound window.
func (c *ControlPlane) HandleConnectionWindowUpdate(f frame.Frame) error {
	inc := frame.WindowUpdateIncrement(f.Payload)
	if err := c.connOutflow.Adjust(int32(inc)); err != nil {
		return frame.ConnectionError{Code: frame.ErrCodeFlowControl, Cause: err}
	}
	return nil
}
