package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// stripPadding removes RFC 7540 section 6.1/6.2/6.5 padding from a
// Padded-flagged frame payload, returning the unpadded remainder after the
// pad-length octet itself has also been removed.
func stripPadding(flags Flag, payload []byte) ([]byte, error) {
	if !flags.Has(FlagPadded) {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, errors.New("padded frame shorter than the pad-length octet")
	}
	padLen := int(payload[0])
	rest := payload[1:]
	if padLen > len(rest) {
		return nil, ConnectionError{Code: ErrCodeProtocol, Cause: errors.New("pad length exceeds frame payload")}
	}
	return rest[:len(rest)-padLen], nil
}

// DataPayload returns a DATA frame's application data, with any padding
// removed.
func DataPayload(f Frame) ([]byte, error) {
	return stripPadding(f.Flags, f.Payload)
}

// HeadersPayload describes a decoded HEADERS frame.
type HeadersPayload struct {
	HasPriority   bool
	Exclusive     bool
	StreamDep     uint32
	Weight        uint16 // stored as weight-1 on the wire; this is the true weight 1..256
	BlockFragment []byte
}

// HeadersPayloadOf parses a HEADERS frame's payload.
func HeadersPayloadOf(f Frame) (HeadersPayload, error) {
	body, err := stripPadding(f.Flags, f.Payload)
	if err != nil {
		return HeadersPayload{}, err
	}
	var hp HeadersPayload
	if f.Flags.Has(FlagPriority) {
		if len(body) < 5 {
			return HeadersPayload{}, ConnectionError{Code: ErrCodeFrameSize, Cause: errors.New("HEADERS frame too short for PRIORITY fields")}
		}
		dep := binary.BigEndian.Uint32(body[0:4])
		hp.HasPriority = true
		hp.Exclusive = dep&0x80000000 != 0
		hp.StreamDep = dep & 0x7fffffff
		hp.Weight = uint16(body[4]) + 1
		body = body[5:]
	}
	hp.BlockFragment = body
	return hp, nil
}

// PriorityPayload describes a decoded PRIORITY frame.
type PriorityPayload struct {
	Exclusive bool
	StreamDep uint32
	Weight    uint8
}

// PriorityPayloadOf parses a PRIORITY frame's 5-byte payload.
func PriorityPayloadOf(f Frame) (PriorityPayload, error) {
	if len(f.Payload) != 5 {
		return PriorityPayload{}, ConnectionError{Code: ErrCodeFrameSize, Cause: errors.New("PRIORITY frame must be 5 bytes")}
	}
	dep := binary.BigEndian.Uint32(f.Payload[0:4])
	return PriorityPayload{
		Exclusive: dep&0x80000000 != 0,
		StreamDep: dep & 0x7fffffff,
		Weight:    f.Payload[4] + 1,
	}, nil
}

// EncodePriority builds a PRIORITY frame payload.
func EncodePriority(p PriorityPayload) []byte {
	b := make([]byte, 5)
	dep := p.StreamDep & 0x7fffffff
	if p.Exclusive {
		dep |= 0x80000000
	}
	binary.BigEndian.PutUint32(b[0:4], dep)
	b[4] = p.Weight - 1
	return b
}

// PushPromisePayload describes a decoded PUSH_PROMISE frame.
type PushPromisePayload struct {
	PromisedStreamID uint32
	BlockFragment    []byte
}

// PushPromisePayloadOf parses a PUSH_PROMISE frame's payload.
func PushPromisePayloadOf(f Frame) (PushPromisePayload, error) {
	body, err := stripPadding(f.Flags, f.Payload)
	if err != nil {
		return PushPromisePayload{}, err
	}
	if len(body) < 4 {
		return PushPromisePayload{}, ConnectionError{Code: ErrCodeFrameSize, Cause: errors.New("PUSH_PROMISE frame too short")}
	}
	promised := binary.BigEndian.Uint32(body[0:4]) & (1<<31 - 1)
	return PushPromisePayload{PromisedStreamID: promised, BlockFragment: body[4:]}, nil
}

// PingPayload returns a PING frame's 8-byte opaque payload.
func PingPayload(f Frame) [8]byte {
	var b [8]byte
	copy(b[:], f.Payload)
	return b
}

// EndStream reports whether f carries END_STREAM (meaningful for DATA and
// HEADERS only).
func EndStream(f Frame) bool {
	return (f.Type == TypeData || f.Type == TypeHeaders) && f.Flags.Has(FlagEndStream)
}

// EndHeaders reports whether f carries END_HEADERS (meaningful for HEADERS,
// PUSH_PROMISE, and CONTINUATION only; the frame carrying the flag is the
// last one of its header block).
func EndHeaders(f Frame) bool {
	return (f.Type == TypeHeaders || f.Type == TypePushPromise || f.Type == TypeContinuation) && f.Flags.Has(FlagEndHeaders)
}
