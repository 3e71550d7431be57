package dispatcher

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/MercuryTechnologies/http2-client/frame"
	"github.com/MercuryTechnologies/http2-client/streamregistry"
)

// readLoop is the connection's single reader: it owns the HPACK decoder
// and demultiplexes every incoming frame, grounded on
// clientConnReadLoop.run's switch over frame types in the teacher
// (golang-net/http2/transport.go).
func (d *Dispatcher) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := frame.ReadFrame(d.conn, d.cfg.LocalMaxFrameSize)
		if err != nil {
			if err == io.EOF {
				return errors.New("dispatcher: connection closed by peer")
			}
			return errors.Wrap(err, "dispatcher: reading frame")
		}

		if err := d.dispatch(f); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) dispatch(f frame.Frame) error {
	if d.continuationTarget.active {
		return d.continueHeaderBlock(f)
	}

	switch f.Type {
	case frame.TypeHeaders:
		return d.startHeaderBlock(f)
	case frame.TypePushPromise:
		return d.startPushPromise(f)
	case frame.TypeContinuation:
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Cause: errors.New("unexpected CONTINUATION outside a header block")}
	case frame.TypeData:
		return d.handleData(f)
	case frame.TypeRSTStream:
		return d.handleRSTStream(f)
	case frame.TypePriority:
		return nil // priority hints are accepted and ignored; no reprioritization logic
	case frame.TypeSettings:
		return d.control.HandleSettings(f)
	case frame.TypePing:
		return d.control.HandlePing(f)
	case frame.TypeGoAway:
		return d.control.HandleGoAway(f)
	case frame.TypeWindowUpdate:
		return d.handleWindowUpdate(f)
	default:
		if d.cfg.OnUnknownFrame != nil {
			payload := append([]byte(nil), f.Payload...)
			d.cfg.OnUnknownFrame(UnknownFrameEvent{Header: f.Header, Payload: payload})
		}
		return nil
	}
}

// startHeaderBlock begins accumulating a HEADERS sequence, opening the
// connection-wide CONTINUATION gate if END_HEADERS is not yet set.
func (d *Dispatcher) startHeaderBlock(f frame.Frame) error {
	d.registry.NoteReceivedStreamID(f.StreamID)

	hp, err := frame.HeadersPayloadOf(f)
	if err != nil {
		return err
	}

	d.headerFieldBuf = d.headerFieldBuf[:0]

	if _, err := d.decoder.Write(hp.BlockFragment); err != nil {
		return frame.ConnectionError{Code: frame.ErrCodeCompression, Cause: err}
	}

	if frame.EndHeaders(f) {
		return d.finishHeaders(f.StreamID, frame.EndStream(f))
	}

	d.continuationTarget = continuationTarget{active: true, streamID: f.StreamID, endStream: frame.EndStream(f)}
	return nil
}

// startPushPromise begins accumulating a PUSH_PROMISE header block.
func (d *Dispatcher) startPushPromise(f frame.Frame) error {
	pp, err := frame.PushPromisePayloadOf(f)
	if err != nil {
		return err
	}

	d.headerFieldBuf = d.headerFieldBuf[:0]

	if _, err := d.decoder.Write(pp.BlockFragment); err != nil {
		return frame.ConnectionError{Code: frame.ErrCodeCompression, Cause: err}
	}

	if frame.EndHeaders(f) {
		return d.finishPushPromise(f.StreamID, pp.PromisedStreamID)
	}

	d.continuationTarget = continuationTarget{active: true, streamID: f.StreamID, isPushPromise: true, promisedStreamID: pp.PromisedStreamID}
	return nil
}

// continueHeaderBlock processes the next frame while a header block
// sequence is open. Per spec.md section 12, only a CONTINUATION frame
// for the exact stream ID that opened the block is legal; anything else
// (including a CONTINUATION for a different stream) is a connection
// error, generalizing the teacher's single-stream-scoped check to the
// whole connection as RFC 7540 section 6.10 requires.
func (d *Dispatcher) continueHeaderBlock(f frame.Frame) error {
	target := d.continuationTarget

	if f.Type != frame.TypeContinuation || f.StreamID != target.streamID {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Cause: errors.Errorf("expected CONTINUATION for stream %d, got %v for stream %d", target.streamID, f.Type, f.StreamID)}
	}

	if _, err := d.decoder.Write(f.Payload); err != nil {
		return frame.ConnectionError{Code: frame.ErrCodeCompression, Cause: err}
	}

	if !frame.EndHeaders(f) {
		return nil
	}

	d.continuationTarget = continuationTarget{}

	if target.isPushPromise {
		return d.finishPushPromise(target.streamID, target.promisedStreamID)
	}
	return d.finishHeaders(target.streamID, target.endStream)
}

// finishHeaders delivers the accumulated header fields to streamID's
// mailbox. If the stream is unknown (already removed, or never allocated
// by this client) the decoded block is dropped and no error is returned.
func (d *Dispatcher) finishHeaders(streamID uint32, endStream bool) error {
	if err := d.decoder.Close(); err != nil {
		return frame.ConnectionError{Code: frame.ErrCodeCompression, Cause: err}
	}

	fields := append([]streamregistry.HeaderField(nil), d.headerFieldBuf...)

	e := d.registry.Lookup(streamID)
	if e == nil {
		// A response for a stream we've already torn down locally; the
		// frame is simply dropped, matching RFC 7540 section 5.1's note
		// that a late frame for a closed stream is not itself an error.
		return nil
	}
	e.Mailbox <- streamregistry.IncomingFrame{Headers: fields, EndFrag: endStream}
	return nil
}

func (d *Dispatcher) finishPushPromise(parentStreamID, promisedStreamID uint32) error {
	if err := d.decoder.Close(); err != nil {
		return frame.ConnectionError{Code: frame.ErrCodeCompression, Cause: err}
	}

	fields := append([]streamregistry.HeaderField(nil), d.headerFieldBuf...)

	d.registry.Reserve(promisedStreamID, frame.DefaultInitialWindowSize)
	if d.cfg.OnPushPromise != nil {
		d.cfg.OnPushPromise(PushPromiseEvent{ParentStreamID: parentStreamID, PromisedStreamID: promisedStreamID, Headers: fields})
	}
	return nil
}

func (d *Dispatcher) handleData(f frame.Frame) error {
	body, err := frame.DataPayload(f)
	if err != nil {
		return err
	}

	n := uint32(len(f.Payload))
	if d.connCredit.Add(n) {
		if taken := d.connCredit.Take(); taken > 0 {
			if err := d.WriteWindowUpdate(0, taken); err != nil {
				return err
			}
		}
	}

	e := d.registry.Lookup(f.StreamID)
	if e == nil {
		return nil
	}
	if e.InboundCredit.Add(n) {
		if taken := e.InboundCredit.Take(); taken > 0 {
			if err := d.WriteWindowUpdate(f.StreamID, taken); err != nil {
				return err
			}
		}
	}

	e.Mailbox <- streamregistry.IncomingFrame{Data: append([]byte(nil), body...), EndFrag: frame.EndStream(f)}
	return nil
}

func (d *Dispatcher) handleRSTStream(f frame.Frame) error {
	code := frame.RSTStreamCode(f.Payload)
	e := d.registry.Lookup(f.StreamID)
	if e == nil {
		return nil
	}
	e.Mailbox <- streamregistry.IncomingFrame{RSTCode: &code}
	d.registry.SetState(e, streamregistry.Closed)
	return nil
}

func (d *Dispatcher) handleWindowUpdate(f frame.Frame) error {
	if f.StreamID == 0 {
		return d.control.HandleConnectionWindowUpdate(f)
	}
	e := d.registry.Lookup(f.StreamID)
	if e == nil {
		return nil
	}
	inc := frame.WindowUpdateIncrement(f.Payload)
	if err := e.OutboundWindow.Adjust(int32(inc)); err != nil {
		return frame.StreamError{StreamID: f.StreamID, Code: frame.ErrCodeFlowControl, Cause: err}
	}
	return nil
}
