// Package dispatcher runs the two loops that own a connection's wire
// state: a single reader that owns the HPACK decoder and demultiplexes
// incoming frames to stream mailboxes, the control plane, or the
// configured sinks; and a single writer that owns the HPACK encoder and
// serializes every outbound frame. Once the dispatcher runs, nothing
// outside this package reads or writes frames on the connection or
// touches its HPACK codecs directly, mirroring how the
// teacher confines them to clientConnReadLoop.run and the write-request
// pump in write.go's writeContext.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/MercuryTechnologies/http2-client/controlplane"
	"github.com/MercuryTechnologies/http2-client/flowcontrol"
	"github.com/MercuryTechnologies/http2-client/frame"
	"github.com/MercuryTechnologies/http2-client/internal/hpack"
	"github.com/MercuryTechnologies/http2-client/streamregistry"
)

// PushPromiseEvent is delivered for a decoded PUSH_PROMISE header block.
type PushPromiseEvent struct {
	ParentStreamID   uint32
	PromisedStreamID uint32
	Headers          []streamregistry.HeaderField
}

// UnknownFrameEvent is delivered for any frame type this module does not
// itself interpret, per spec.md section 4.1's fallback-sink requirement.
type UnknownFrameEvent struct {
	Header  frame.Header
	Payload []byte
}

// Config bundles the knobs the dispatcher needs beyond the connection
// itself; the h2client package populates this from its own Config.
type Config struct {
	LocalMaxFrameSize    uint32
	FlowControlInterval  time.Duration
	PingInterval         time.Duration // 0 disables the optional ping loop
	PingTimeout          time.Duration
	OnPushPromise        func(PushPromiseEvent)
	OnUnknownFrame       func(UnknownFrameEvent)
	OnConnectionError    func(error)
}

// frameRequest is the writer loop's unit of work: exactly one of the
// payload-shaped fields is meaningful, selected by kind.
type frameRequest struct {
	kind     requestKind
	streamID uint32
	result   chan error

	// data
	data      []byte
	endStream bool

	// headers / push promise response is not sent by this client, so only
	// outbound HEADERS (request headers) uses this
	headers []hpack.HeaderField

	// rstStream / goAway
	errCode      frame.ErrCode
	lastStreamID uint32
	debug        []byte

	// settings
	settings []frame.Setting

	// ping
	pingPayload [8]byte
	ack         bool

	// windowUpdate
	increment uint32

	// raw control frame (SETTINGS ACK / PING ACK, built by the control plane)
	rawHeader  frame.Header
	rawPayload []byte

	// setEncoderTableSize
	tableSize uint32
}

type requestKind int

const (
	reqData requestKind = iota
	reqHeaders
	reqRSTStream
	reqSettings
	reqPing
	reqGoAway
	reqWindowUpdate
	reqRaw
	reqSetEncoderTableSize
)

// Dispatcher owns one connection's reader and writer loops.
type Dispatcher struct {
	conn io.ReadWriteCloser
	log  zerolog.Logger
	cfg  Config

	registry *streamregistry.Registry
	control  *controlplane.ControlPlane

	decoder *hpack.Decoder
	encoder *hpack.Encoder
	encBuf  *bytes.Buffer
	bw      *bufio.Writer

	connOutflow *flowcontrol.Window
	connInflow  *flowcontrol.Window
	connCredit  *flowcontrol.Credit

	remoteMaxFrameSize atomic.Uint32

	writeCh chan frameRequest

	// headerFieldBuf and continuationTarget are touched only from the
	// reader loop goroutine; no locking needed, same as the teacher's
	// confinement of cc.hdec to clientConnReadLoop.
	headerFieldBuf     []streamregistry.HeaderField
	continuationTarget continuationTarget // zero value means "no block in progress"

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
}

// continuationTarget records which stream/push-promise a sequence of
// HEADERS/CONTINUATION frames is building, enforced connection-wide
// (spec.md section 12: no frame of any stream ID may be interleaved into
// a header block sequence, generalizing the teacher's per-stream-only
// check since RFC 7540 section 6.10 scopes the restriction to the whole
// connection).
type continuationTarget struct {
	active           bool
	streamID         uint32
	isPushPromise    bool
	promisedStreamID uint32
	endStream        bool
}

// New constructs a Dispatcher, which builds and exclusively owns the
// connection's HPACK encoder and decoder: per spec.md section 4.3 these
// codecs have order-dependent state that only the single reader/writer
// loops may touch, so this package never accepts them as constructor
// arguments the way it does the already-shared registry and control
// plane.
func New(
	conn io.ReadWriteCloser,
	registry *streamregistry.Registry,
	control *controlplane.ControlPlane,
	localMaxDynamicTableSize uint32,
	connOutflow, connInflow *flowcontrol.Window,
	connCredit *flowcontrol.Credit,
	cfg Config,
	log zerolog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		conn:        conn,
		log:         log.With().Str("component", "dispatcher").Logger(),
		cfg:         cfg,
		registry:    registry,
		control:     control,
		connOutflow: connOutflow,
		connInflow:  connInflow,
		connCredit:  connCredit,
		writeCh:     make(chan frameRequest, 64),
		closeCh:     make(chan struct{}),
	}
	d.decoder = hpack.NewDecoder(localMaxDynamicTableSize, func(f hpack.HeaderField) {
		d.headerFieldBuf = append(d.headerFieldBuf, streamregistry.HeaderField{Name: f.Name, Value: f.Value})
	})
	d.encBuf = &bytes.Buffer{}
	d.encoder = hpack.NewEncoder(d.encBuf)
	d.bw = bufio.NewWriter(conn)
	d.remoteMaxFrameSize.Store(frame.DefaultMaxFrameSize)
	return d
}

// Run starts the reader loop, writer loop, flow-control ticker, and
// (if configured) the ping loop, and blocks until ctx is canceled or one
// of them fails. Grounded on clientConnReadLoop.run paired with the
// goroutine write.go's writeContext pump runs in, coordinated here with
// errgroup instead of the teacher's hand-rolled channel-select, per
// SPEC_FULL.md section 11.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.readLoop(ctx) })
	g.Go(func() error { return d.writeLoop(ctx) })
	g.Go(func() error { return d.flowControlLoop(ctx) })
	if d.cfg.PingInterval > 0 {
		g.Go(func() error { return d.pingLoop(ctx) })
	}

	err := g.Wait()
	d.closeWith(err)
	return err
}

// closeWith records the terminal error (first one wins) and signals
// closeCh, tearing down the outbound flow-control windows so any blocked
// Reserve call fails fast instead of hanging on a dead connection.
func (d *Dispatcher) closeWith(err error) {
	d.closeOnce.Do(func() {
		d.closeErr = err
		close(d.closeCh)
		d.connOutflow.Close()
		for _, e := range d.registry.All() {
			e.OutboundWindow.Close()
		}
		d.conn.Close()
		if d.cfg.OnConnectionError != nil && err != nil {
			d.cfg.OnConnectionError(err)
		}
	})
}

// Done returns a channel closed once the dispatcher has torn down.
func (d *Dispatcher) Done() <-chan struct{} { return d.closeCh }

// Err returns the terminal error once Done is closed.
func (d *Dispatcher) Err() error { return d.closeErr }

// RemoteMaxFrameSize returns the peer's currently negotiated
// SETTINGS_MAX_FRAME_SIZE, used by callers to size outbound DATA chunks.
func (d *Dispatcher) RemoteMaxFrameSize() uint32 { return d.remoteMaxFrameSize.Load() }

// --- writer-facing API, used by the h2client package ---

func (d *Dispatcher) submit(req frameRequest) error {
	req.result = make(chan error, 1)
	select {
	case d.writeCh <- req:
	case <-d.closeCh:
		return errors.New("dispatcher: connection closed")
	}
	select {
	case err := <-req.result:
		return err
	case <-d.closeCh:
		return errors.New("dispatcher: connection closed")
	}
}

// WriteData enqueues a DATA frame. The caller must already have reserved
// data's length against both the connection and stream outbound windows
// (spec.md section 4.6.2: flow-control reservation happens in the
// caller's goroutine so the single writer loop never blocks on a window
// refill, grounded on awaitFlowControl/writeDataFromHandler in the
// teacher's transport.go).
func (d *Dispatcher) WriteData(streamID uint32, data []byte, endStream bool) error {
	return d.submit(frameRequest{kind: reqData, streamID: streamID, data: data, endStream: endStream})
}

// WriteHeaders enqueues a HEADERS block (split into HEADERS+CONTINUATION
// as needed) for streamID.
func (d *Dispatcher) WriteHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	return d.submit(frameRequest{kind: reqHeaders, streamID: streamID, headers: headers, endStream: endStream})
}

// WriteRSTStream enqueues an RST_STREAM frame.
func (d *Dispatcher) WriteRSTStream(streamID uint32, code frame.ErrCode) error {
	return d.submit(frameRequest{kind: reqRSTStream, streamID: streamID, errCode: code})
}

// WriteSettings enqueues a non-ACK SETTINGS frame.
func (d *Dispatcher) WriteSettings(settings []frame.Setting) error {
	return d.submit(frameRequest{kind: reqSettings, settings: settings})
}

// WritePing enqueues a non-ACK PING frame with the given opaque payload.
func (d *Dispatcher) WritePing(payload [8]byte) error {
	return d.submit(frameRequest{kind: reqPing, pingPayload: payload})
}

// WriteGoAway enqueues a GOAWAY frame.
func (d *Dispatcher) WriteGoAway(lastStreamID uint32, code frame.ErrCode, debug []byte) error {
	return d.submit(frameRequest{kind: reqGoAway, lastStreamID: lastStreamID, errCode: code, debug: debug})
}

// WriteWindowUpdate enqueues a WINDOW_UPDATE frame for streamID (0 for
// the connection).
func (d *Dispatcher) WriteWindowUpdate(streamID uint32, increment uint32) error {
	if increment == 0 {
		return nil
	}
	return d.submit(frameRequest{kind: reqWindowUpdate, streamID: streamID, increment: increment})
}

// WriteControlFrame implements controlplane.Sender: it enqueues a raw,
// already-built control frame (SETTINGS ACK, PING ACK) that the control
// plane builds synchronously off the reader loop. It goes through the
// same write queue, in the same order, as every other request.
func (d *Dispatcher) WriteControlFrame(h frame.Header, payload []byte) error {
	return d.submit(frameRequest{kind: reqRaw, rawHeader: h, rawPayload: payload})
}

// AdjustStreamWindows implements controlplane.Sender: applies a
// SETTINGS_INITIAL_WINDOW_SIZE delta to every currently open stream's
// outbound window (RFC 7540 section 6.9.2).
func (d *Dispatcher) AdjustStreamWindows(delta int32) error {
	for _, e := range d.registry.All() {
		if err := e.OutboundWindow.Adjust(delta); err != nil {
			return err
		}
	}
	return nil
}

// SetEncoderMaxDynamicTableSize implements controlplane.Sender. The
// encoder is writer-loop-confined (like cc.henc in the teacher, mutated
// only under its write lock), so this routes the change through writeCh
// instead of touching d.encoder directly from the reader goroutine that
// calls it. A submit failure only happens once the connection is already
// tearing down, in which case the pending table size no longer matters.
func (d *Dispatcher) SetEncoderMaxDynamicTableSize(v uint32) {
	if err := d.submit(frameRequest{kind: reqSetEncoderTableSize, tableSize: v}); err != nil {
		d.log.Debug().Err(err).Msg("dropping encoder table size change, connection closing")
	}
}

// SetDecoderMaxDynamicTableSize implements controlplane.Sender.
func (d *Dispatcher) SetDecoderMaxDynamicTableSize(v uint32) { d.decoder.SetMaxDynamicTableSize(v) }

// SetRemoteMaxFrameSize implements controlplane.Sender: records the
// peer's SETTINGS_MAX_FRAME_SIZE so the writer loop knows how large an
// outbound DATA/HEADERS frame may be.
func (d *Dispatcher) SetRemoteMaxFrameSize(v uint32) { d.remoteMaxFrameSize.Store(v) }

// TerminateStream implements controlplane.Sender: delivers a terminal
// error to the stream's mailbox and removes it from the registry.
func (d *Dispatcher) TerminateStream(id uint32, code frame.ErrCode) {
	e := d.registry.Lookup(id)
	if e == nil {
		return
	}
	select {
	case e.Mailbox <- streamregistry.IncomingFrame{RSTCode: &code}:
	default:
	}
	d.registry.SetState(e, streamregistry.Closed)
}

// ReceivedStreamIDsAbove implements controlplane.Sender.
func (d *Dispatcher) ReceivedStreamIDsAbove(lastStreamID uint32) []uint32 {
	var ids []uint32
	for _, e := range d.registry.All() {
		if e.ID > lastStreamID {
			ids = append(ids, e.ID)
		}
	}
	return ids
}
