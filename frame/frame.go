// Package frame implements RFC 7540 bit-exact framing: encoding and
// decoding of the 9-octet HTTP/2 frame header and the ten frame payload
// types, over any io.Reader/io.Writer. It knows nothing about streams,
// flow-control accounting, or HPACK state machines — those live in
// sibling packages that consume the Frame values this package produces.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Type identifies an HTTP/2 frame's payload format (RFC 7540 section 11.2).
type Type uint8

const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHeaders:
		return "HEADERS"
	case TypePriority:
		return "PRIORITY"
	case TypeRSTStream:
		return "RST_STREAM"
	case TypeSettings:
		return "SETTINGS"
	case TypePushPromise:
		return "PUSH_PROMISE"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypeContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME_TYPE(%d)", uint8(t))
	}
}

// Flag is a bitmask of per-frame flags. Which bits are meaningful depends
// on the frame Type.
type Flag uint8

const (
	FlagEndStream  Flag = 0x1
	FlagEndHeaders Flag = 0x4
	FlagPadded     Flag = 0x8
	FlagPriority   Flag = 0x20
	FlagAck        Flag = 0x1 // SETTINGS and PING share this bit value
)

func (f Flag) Has(b Flag) bool { return f&b != 0 }

// Header is the 9-octet header common to every HTTP/2 frame.
type Header struct {
	Length   uint32 // 24 bits on the wire
	Type     Type
	Flags    Flag
	StreamID uint32 // 31 bits on the wire; top bit (R) reserved and must be 0
}

const (
	headerLen      = 9
	maxStreamID    = 1<<31 - 1
	defaultMaxSize = 1 << 14 // RFC 7540 section 6.5.2 default SETTINGS_MAX_FRAME_SIZE
	absoluteMaxLen = 1<<24 - 1
)

// Frame is a fully decoded HTTP/2 frame: the common header plus its
// type-specific payload, accessible through the typed accessors below
// (HeadersPayloadOf, DataPayload, ...). Payload is the raw, un-depadded
// frame body exactly as it appeared on the wire after the header.
type Frame struct {
	Header
	Payload []byte
}

var headerBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, headerLen)
		return &b
	},
}

// ReadHeader reads and parses the next 9-octet frame header from r,
// rejecting a header whose reserved stream ID bit is set.
func ReadHeader(r io.Reader) (Header, error) {
	bufp := headerBufPool.Get().(*[]byte)
	defer headerBufPool.Put(bufp)
	buf := *bufp
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	if buf[5]&0x80 != 0 {
		return Header{}, ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("frame header has the reserved stream ID bit set")}
	}
	streamID := binary.BigEndian.Uint32(buf[5:9]) & (1<<31 - 1)
	return Header{
		Length:   length,
		Type:     Type(buf[3]),
		Flags:    Flag(buf[4]),
		StreamID: streamID,
	}, nil
}

// WriteHeader writes h's 9-octet wire form to w.
func WriteHeader(w io.Writer, h Header) error {
	bufp := headerBufPool.Get().(*[]byte)
	defer headerBufPool.Put(bufp)
	buf := *bufp
	buf[0] = byte(h.Length >> 16)
	buf[1] = byte(h.Length >> 8)
	buf[2] = byte(h.Length)
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[5:9], h.StreamID&(1<<31-1))
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one complete frame (header + payload) from r, rejecting
// it per RFC 7540 section 4.2/6 if it violates maxFrameSize or the
// per-type structural constraints spec.md section 4.1 requires.
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Frame{}, err
	}
	if h.Length > maxFrameSize {
		return Frame{}, ConnectionError{Code: ErrCodeFrameSize, Cause: errors.Errorf("frame length %d exceeds max frame size %d", h.Length, maxFrameSize)}
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	f := Frame{Header: h, Payload: payload}
	if err := validate(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// WriteFrame writes a frame's header and payload back-to-back to w. It does
// not flush; callers batching a back-to-back group (e.g. HEADERS followed
// by CONTINUATION) should flush once after the whole group.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	h.Length = uint32(len(payload))
	if h.Length > absoluteMaxLen {
		return errors.Errorf("frame payload of %d bytes exceeds maximum representable frame length", h.Length)
	}
	if err := WriteHeader(w, h); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// validate rejects frames per the structural constraints named in spec.md
// section 4.1: PING length, WINDOW_UPDATE zero increment, SETTINGS length
// multiple-of-6, and stream-ID-zero-vs-nonzero per frame type.
func validate(f Frame) error {
	switch f.Type {
	case TypePing:
		if f.Length != 8 {
			return ConnectionError{Code: ErrCodeFrameSize, Cause: errors.Errorf("PING frame length %d != 8", f.Length)}
		}
		if f.StreamID != 0 {
			return ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("PING frame with non-zero stream ID")}
		}
	case TypeSettings:
		if f.Length%6 != 0 {
			return ConnectionError{Code: ErrCodeFrameSize, Cause: errors.Errorf("SETTINGS frame length %d not a multiple of 6", f.Length)}
		}
		if f.StreamID != 0 {
			return ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("SETTINGS frame with non-zero stream ID")}
		}
	case TypeGoAway:
		if f.StreamID != 0 {
			return ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("GOAWAY frame with non-zero stream ID")}
		}
		if f.Length < 8 {
			return ConnectionError{Code: ErrCodeFrameSize, Cause: errors.Errorf("GOAWAY frame length %d < 8", f.Length)}
		}
	case TypeWindowUpdate:
		if f.Length != 4 {
			return ConnectionError{Code: ErrCodeFrameSize, Cause: errors.Errorf("WINDOW_UPDATE frame length %d != 4", f.Length)}
		}
		inc := binary.BigEndian.Uint32(f.Payload) & (1<<31 - 1)
		if inc == 0 {
			if f.StreamID == 0 {
				return ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("WINDOW_UPDATE with zero increment on connection")}
			}
			return StreamError{StreamID: f.StreamID, Code: ErrCodeProtocol, Cause: errors.New("WINDOW_UPDATE with zero increment on stream")}
		}
	case TypeRSTStream:
		if f.Length != 4 {
			return ConnectionError{Code: ErrCodeFrameSize, Cause: errors.Errorf("RST_STREAM frame length %d != 4", f.Length)}
		}
		if f.StreamID == 0 {
			return ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("RST_STREAM frame with zero stream ID")}
		}
	case TypePriority:
		if f.Length != 5 {
			return ConnectionError{Code: ErrCodeFrameSize, Cause: errors.Errorf("PRIORITY frame length %d != 5", f.Length)}
		}
		if f.StreamID == 0 {
			return ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("PRIORITY frame with zero stream ID")}
		}
	case TypeData, TypeHeaders, TypePushPromise, TypeContinuation:
		if f.StreamID == 0 {
			return ConnectionError{Code: ErrCodeProtocol, Cause: errors.Errorf("%v frame with zero stream ID", f.Type)}
		}
	default:
		// Unknown frame types are preserved and forwarded to the fallback
		// sink (spec.md section 4.1); no structural validation applies.
	}
	return nil
}

// WindowUpdateIncrement extracts the increment from a WINDOW_UPDATE payload.
func WindowUpdateIncrement(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload) & (1<<31 - 1)
}

// EncodeWindowUpdate builds a WINDOW_UPDATE payload.
func EncodeWindowUpdate(increment uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, increment&(1<<31-1))
	return b
}

// RSTStreamCode extracts the error code from an RST_STREAM payload.
func RSTStreamCode(payload []byte) ErrCode {
	return ErrCode(binary.BigEndian.Uint32(payload))
}

// EncodeRSTStream builds an RST_STREAM payload.
func EncodeRSTStream(code ErrCode) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(code))
	return b
}

// DecodeGoAway extracts the last stream ID, error code, and debug data from
// a GOAWAY payload.
func DecodeGoAway(payload []byte) (lastStreamID uint32, code ErrCode, debug []byte) {
	lastStreamID = binary.BigEndian.Uint32(payload[0:4]) & (1<<31 - 1)
	code = ErrCode(binary.BigEndian.Uint32(payload[4:8]))
	debug = payload[8:]
	return
}

// EncodeGoAway builds a GOAWAY payload.
func EncodeGoAway(lastStreamID uint32, code ErrCode, debug []byte) []byte {
	b := make([]byte, 8+len(debug))
	binary.BigEndian.PutUint32(b[0:4], lastStreamID&(1<<31-1))
	binary.BigEndian.PutUint32(b[4:8], uint32(code))
	copy(b[8:], debug)
	return b
}
