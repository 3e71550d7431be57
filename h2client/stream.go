package h2client

import (
	"context"

	"github.com/pkg/errors"

	"github.com/MercuryTechnologies/http2-client/flowcontrol"
	"github.com/MercuryTechnologies/http2-client/frame"
	"github.com/MercuryTechnologies/http2-client/streamregistry"
)

// Event is one item yielded by Stream.Recv: a HeadersEvent, a DataEvent,
// or a ResetEvent.
type Event interface{ isEvent() }

// HeadersEvent carries a decoded HEADERS (response or trailers) block.
type HeadersEvent struct {
	Headers   []HeaderField
	EndStream bool
}

func (HeadersEvent) isEvent() {}

// DataEvent carries a DATA frame's payload.
type DataEvent struct {
	Data      []byte
	EndStream bool
}

func (DataEvent) isEvent() {}

// ResetEvent reports the peer reset the stream with RST_STREAM.
type ResetEvent struct {
	Code frame.ErrCode
}

func (ResetEvent) isEvent() {}

// Stream is one client-initiated HTTP/2 stream.
type Stream struct {
	conn  *Conn
	entry *streamregistry.Entry

	localClosed  bool
	remoteClosed bool
}

// ErrGoAwayInProgress is returned by StartStream once a GOAWAY has been
// received from the peer, refusing any new stream (spec.md section 7).
var ErrGoAwayInProgress = errors.New("h2client: GOAWAY received, refusing new stream")

// StartStream allocates a new client stream, validates and sends
// headers, and returns a Stream for reading the response and (if
// !endStream) writing the request body.
func (c *Conn) StartStream(ctx context.Context, headers []HeaderField, endStream bool) (*Stream, error) {
	if c.ctrl.GoAwayReceived() {
		return nil, ErrGoAwayInProgress
	}
	if err := validateHeaders(headers); err != nil {
		return nil, err
	}

	remote := c.ctrl.Remote()
	c.reg.SetMaxConcurrentStreams(remote.MaxConcurrentStreams)
	remoteInitialWindow := int32(remote.InitialWindowSize)
	entry, err := c.reg.Allocate(flowcontrol.New(remoteInitialWindow), c.connOutflow, c.cfg.SettingsInitialWindowSize)
	if err != nil {
		return nil, errors.Wrap(err, "h2client: allocating stream")
	}

	if err := c.disp.WriteHeaders(entry.ID, toHpackFields(headers), endStream); err != nil {
		c.reg.SetState(entry, streamregistry.Closed)
		return nil, errors.Wrap(err, "h2client: writing request headers")
	}

	s := &Stream{conn: c, entry: entry, localClosed: endStream}
	if endStream {
		c.reg.SetState(entry, streamregistry.HalfClosedLocal)
	} else {
		c.reg.SetState(entry, streamregistry.Open)
	}
	return s, nil
}

// ID returns the stream's client-allocated stream ID.
func (s *Stream) ID() uint32 { return s.entry.ID }

// SendData writes data as one or more DATA frames. Each frame is sized to
// whatever credit is currently available — min(remaining, maxFrameSize,
// stream window, connection window) — rather than reserving a whole
// chunk up front, so a body larger than the current window still makes
// progress as the peer trickles WINDOW_UPDATEs in (spec.md section
// 4.6.2, section 8 scenario 2). Blocking only happens when a window is
// fully exhausted, mirroring the teacher's writeRequestBody/
// awaitFlowControl split. Returns an error if the stream's local side is
// already closed.
func (s *Stream) SendData(ctx context.Context, data []byte, endStream bool) error {
	if s.localClosed {
		return errors.Errorf("h2client: stream %d: local side already closed", s.entry.ID)
	}

	maxChunk := int(s.conn.disp.RemoteMaxFrameSize())
	if maxChunk <= 0 {
		maxChunk = frame.DefaultMaxFrameSize
	}

	for len(data) > 0 || (len(data) == 0 && endStream) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		want := len(data)
		if want > maxChunk {
			want = maxChunk
		}

		var n int32
		if want > 0 {
			var err error
			n, err = s.reserveChunk(int32(want))
			if err != nil {
				return err
			}
		}
		chunk := data[:n]
		data = data[n:]
		last := len(data) == 0

		if err := s.conn.disp.WriteData(s.entry.ID, chunk, last && endStream); err != nil {
			return errors.Wrap(err, "h2client: writing data")
		}
		if last {
			break
		}
	}

	if endStream {
		s.localClosed = true
		s.updateState()
	}
	return nil
}

// reserveChunk reserves up to want bytes of outbound flow-control credit
// against both the stream and connection windows, returning whatever
// amount is actually available (at least 1 byte) rather than the full
// want. It blocks only while a window has zero credit.
func (s *Stream) reserveChunk(want int32) (int32, error) {
	sn, err := reserveAvailable(s.entry.OutboundWindow, want)
	if err != nil {
		return 0, errors.Wrap(err, "h2client: reserving stream flow control")
	}
	cn, err := reserveAvailable(s.conn.connOutflow, sn)
	if err != nil {
		s.entry.OutboundWindow.Release(sn)
		return 0, errors.Wrap(err, "h2client: reserving connection flow control")
	}
	if cn < sn {
		s.entry.OutboundWindow.Release(sn - cn)
	}
	return cn, nil
}

// reserveAvailable reserves min(max, currently-available) credit from w,
// blocking only when w currently has none at all.
func reserveAvailable(w *flowcontrol.Window, max int32) (int32, error) {
	if max <= 0 {
		return 0, nil
	}
	if n := w.TryReserve(max); n > 0 {
		return n, nil
	}
	if err := w.Reserve(1); err != nil {
		return 0, err
	}
	n := int32(1)
	if max > 1 {
		n += w.TryReserve(max - 1)
	}
	return n, nil
}

// RST sends RST_STREAM for this stream with the given error code and
// marks it fully closed.
func (s *Stream) RST(code frame.ErrCode) error {
	if err := s.conn.disp.WriteRSTStream(s.entry.ID, code); err != nil {
		return err
	}
	s.localClosed, s.remoteClosed = true, true
	s.conn.reg.SetState(s.entry, streamregistry.Closed)
	return nil
}

// Recv blocks until the next Event for this stream arrives, ctx is
// done, or the connection tears down. A stream that has already reached
// its terminal state does not by itself unblock Recv.
func (s *Stream) Recv(ctx context.Context) (Event, error) {
	select {
	case in, ok := <-s.entry.Mailbox:
		if !ok {
			return nil, errors.Errorf("h2client: stream %d: mailbox closed", s.entry.ID)
		}
		return s.translate(in)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.Done():
		return nil, s.conn.Err()
	}
}

func (s *Stream) translate(in streamregistry.IncomingFrame) (Event, error) {
	if in.RSTCode != nil {
		s.remoteClosed = true
		return ResetEvent{Code: *in.RSTCode}, nil
	}
	if in.Err != nil {
		return nil, in.Err
	}

	if in.Headers != nil {
		ev := HeadersEvent{Headers: fromRegistryFields(in.Headers), EndStream: in.EndFrag}
		if in.EndFrag {
			s.remoteClosed = true
			s.updateState()
		}
		return ev, nil
	}

	ev := DataEvent{Data: in.Data, EndStream: in.EndFrag}
	if in.EndFrag {
		s.remoteClosed = true
		s.updateState()
	}
	return ev, nil
}

// updateState reflects local/remote half-close onto the registry entry,
// removing it once both sides are closed (spec.md section 9).
func (s *Stream) updateState() {
	switch {
	case s.localClosed && s.remoteClosed:
		s.conn.reg.SetState(s.entry, streamregistry.Closed)
	case s.localClosed:
		s.conn.reg.SetState(s.entry, streamregistry.HalfClosedLocal)
	case s.remoteClosed:
		s.conn.reg.SetState(s.entry, streamregistry.HalfClosedRemote)
	}
}

func fromRegistryFields(fields []streamregistry.HeaderField) []HeaderField {
	out := make([]HeaderField, len(fields))
	for i, f := range fields {
		out[i] = HeaderField{Name: f.Name, Value: f.Value}
	}
	return out
}
