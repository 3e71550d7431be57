// Package h2client is the programmatic client surface spec.md section 6
// describes: Dial establishes a connection, and the returned Conn exposes
// StartStream, Stream.SendData, Ping, Settings, and GoAway as Go methods,
// binding together frame, internal/hpack, flowcontrol, streamregistry,
// controlplane, and dispatcher. Grounded on dialClientConn/newClientConn
// and RoundTrip/writeRequestBody/awaitFlowControl in the teacher
// (golang-net/http2/transport.go).
package h2client

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/MercuryTechnologies/http2-client/controlplane"
	"github.com/MercuryTechnologies/http2-client/dispatcher"
	"github.com/MercuryTechnologies/http2-client/flowcontrol"
	"github.com/MercuryTechnologies/http2-client/frame"
	"github.com/MercuryTechnologies/http2-client/internal/hpack"
	"github.com/MercuryTechnologies/http2-client/streamregistry"
)

// clientPreface is the fixed 24-octet connection preface every HTTP/2
// client must send before any frame (RFC 7540 section 3.5).
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// HeaderField is a single request/response header name/value pair, the
// Client API's public vocabulary for headers (spec.md section 6).
type HeaderField struct {
	Name, Value string
	Sensitive   bool
}

// GoAwayEvent is re-exported from controlplane for callers that don't
// want to import that package directly.
type GoAwayEvent = controlplane.GoAwayEvent

// PushPromiseEvent is re-exported from dispatcher for callers that don't
// want to import that package directly.
type PushPromiseEvent = dispatcher.PushPromiseEvent

// UnknownFrameEvent is re-exported from dispatcher for callers that
// don't want to import that package directly.
type UnknownFrameEvent = dispatcher.UnknownFrameEvent

// Conn is one established, negotiated HTTP/2 connection.
type Conn struct {
	cfg         Config
	nc          net.Conn
	disp        *dispatcher.Dispatcher
	ctrl        *controlplane.ControlPlane
	reg         *streamregistry.Registry
	connOutflow *flowcontrol.Window
	cancel      context.CancelFunc
	runErr      chan error
}

// Dial establishes a TCP+TLS connection to cfg.Host:cfg.Port, negotiates
// HTTP/2 via ALPN, performs the connection preface and initial SETTINGS
// exchange, and starts the dispatcher's reader/writer/ticker loops in
// the background.
func Dial(ctx context.Context, opts ...Option) (*Conn, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Host == "" {
		return nil, errors.New("h2client: Dial requires WithHostPort")
	}

	tlsConf := cfg.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{"h2"}
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var d tls.Dialer
	d.Config = tlsConf
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "h2client: dialing")
	}
	tc := rawConn.(*tls.Conn)
	if tc.ConnectionState().NegotiatedProtocol != "h2" {
		tc.Close()
		return nil, errors.Errorf("h2client: peer did not negotiate h2, got %q", tc.ConnectionState().NegotiatedProtocol)
	}

	if _, err := tc.Write([]byte(clientPreface)); err != nil {
		tc.Close()
		return nil, errors.Wrap(err, "h2client: writing connection preface")
	}

	reg := streamregistry.New(cfg.SettingsMaxConcurrentStreams)
	connOutflow := flowcontrol.New(frame.DefaultInitialWindowSize)
	connInflow := flowcontrol.New(int32(cfg.SettingsInitialWindowSize))
	connCredit := flowcontrol.NewCredit(cfg.SettingsInitialWindowSize / 2)

	conn := &Conn{cfg: cfg, nc: tc, reg: reg, connOutflow: connOutflow, runErr: make(chan error, 1)}

	conn.ctrl = controlplane.New(nil, connOutflow, controlplane.Settings{
		MaxFrameSize:         cfg.SettingsMaxFrameSize,
		MaxConcurrentStreams: cfg.SettingsMaxConcurrentStreams,
		MaxHeaderListSize:    cfg.SettingsMaxHeaderListSize,
		InitialWindowSize:    cfg.SettingsInitialWindowSize,
		HeaderTableSize:      cfg.SettingsHeaderTableSize,
		EnablePush:           true,
	}, cfg.Logger, cfg.OnGoAway)

	disp := dispatcher.New(tc, reg, conn.ctrl, cfg.SettingsHeaderTableSize, connOutflow, connInflow, connCredit, dispatcher.Config{
		LocalMaxFrameSize:   cfg.SettingsMaxFrameSize,
		FlowControlInterval: cfg.InterFlowControlUpdates,
		PingInterval:        cfg.InterPingDelay,
		PingTimeout:         cfg.PingTimeout,
		OnPushPromise:       cfg.OnPushPromise,
		OnUnknownFrame:      cfg.OnUnknownFrame,
		OnConnectionError: func(err error) {
			cfg.Logger.Error().Err(err).Msg("connection terminated")
		},
	}, cfg.Logger)
	conn.disp = disp
	conn.ctrl.SetSender(disp)

	runCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	go func() { conn.runErr <- disp.Run(runCtx) }()

	if err := disp.WriteSettings(initialSettings(cfg)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "h2client: writing initial SETTINGS")
	}
	if err := disp.WriteWindowUpdate(0, cfg.SettingsInitialWindowSize); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "h2client: writing initial connection WINDOW_UPDATE")
	}

	return conn, nil
}

func initialSettings(cfg Config) []frame.Setting {
	return []frame.Setting{
		{ID: frame.SettingHeaderTableSize, Val: cfg.SettingsHeaderTableSize},
		{ID: frame.SettingEnablePush, Val: 0}, // this client never advertises push acceptance by default
		{ID: frame.SettingMaxConcurrentStreams, Val: cfg.SettingsMaxConcurrentStreams},
		{ID: frame.SettingInitialWindowSize, Val: cfg.SettingsInitialWindowSize},
		{ID: frame.SettingMaxFrameSize, Val: cfg.SettingsMaxFrameSize},
		{ID: frame.SettingMaxHeaderListSize, Val: cfg.SettingsMaxHeaderListSize},
	}
}

// Close tears down the connection's dispatcher loops and closes the
// socket.
func (c *Conn) Close() error {
	c.cancel()
	<-c.runErr
	return c.nc.Close()
}

// Done returns a channel closed once the connection's dispatcher has
// torn down, for callers that want to detect an unexpected disconnect.
func (c *Conn) Done() <-chan struct{} { return c.disp.Done() }

// Err returns the terminal error once Done is closed.
func (c *Conn) Err() error { return c.disp.Err() }

// Settings returns a snapshot of the peer's currently-effective SETTINGS.
// It sends nothing: the only SETTINGS frame this client sends is the
// initial one Dial writes, and Conn has no method that sends another.
func (c *Conn) Settings() controlplane.Settings { return c.ctrl.Remote() }

// Ping sends a PING and blocks until the peer ACKs it or ctx is done,
// returning the measured round-trip time.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	var payload [8]byte
	if _, err := rand.Read(payload[:]); err != nil {
		return 0, errors.Wrap(err, "h2client: generating ping payload")
	}
	reply := c.ctrl.RegisterPing(payload)
	if err := c.disp.WritePing(payload); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.RTT, res.Err
	case <-ctx.Done():
		c.ctrl.FailPing(payload, ctx.Err())
		return 0, ctx.Err()
	}
}

// GoAway sends a GOAWAY advertising the highest stream ID this
// connection has received from the peer, per spec.md section 6.
func (c *Conn) GoAway(code frame.ErrCode, debug []byte) error {
	return c.disp.WriteGoAway(c.reg.MaxReceivedStreamID(), code, debug)
}

// validateHeaders rejects header fields with invalid names or values
// before they ever reach the HPACK encoder, using the same validation
// the teacher's package depends on golang.org/x/net/http/httpguts for.
func validateHeaders(headers []HeaderField) error {
	for _, h := range headers {
		if !httpguts.ValidHeaderFieldName(stripPseudoColon(h.Name)) {
			return errors.Errorf("h2client: invalid header field name %q", h.Name)
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return errors.Errorf("h2client: invalid header field value for %q", h.Name)
		}
	}
	return nil
}

// stripPseudoColon lets pseudo-headers (:method, :path, ...) through
// httpguts.ValidHeaderFieldName, which only accepts token characters.
func stripPseudoColon(name string) string {
	if len(name) > 0 && name[0] == ':' {
		return name[1:]
	}
	return name
}

func toHpackFields(headers []HeaderField) []hpack.HeaderField {
	out := make([]hpack.HeaderField, len(headers))
	for i, h := range headers {
		out[i] = hpack.HeaderField{Name: h.Name, Value: h.Value, Sensitive: h.Sensitive}
	}
	return out
}
