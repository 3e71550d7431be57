// Package streamregistry tracks the client's active streams: it allocates
// odd, strictly-increasing client stream IDs, maps stream IDs to their
// per-stream entry, and remembers the highest stream ID the peer has
// used, which a GOAWAY sent by this client carries.
//
// Grounded on clientConn.streams/newStream/streamByID in the teacher
// (golang-net/http2/transport.go), generalized per spec.md section 9's
// requirement that a stream be explicitly removed from the registry on
// its terminal transition rather than left for the consumer to garbage
// collect.
package streamregistry

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/MercuryTechnologies/http2-client/flowcontrol"
	"github.com/MercuryTechnologies/http2-client/frame"
)

// State is a stream's position in the RFC 7540 section 5.1 state machine.
type State int

const (
	Idle State = iota
	Open
	HalfClosedLocal
	HalfClosedRemote
	ReservedLocal
	ReservedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed (local)"
	case HalfClosedRemote:
		return "half-closed (remote)"
	case ReservedLocal:
		return "reserved (local)"
	case ReservedRemote:
		return "reserved (remote)"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// IncomingFrame is posted to a stream's mailbox by the dispatcher.
type IncomingFrame struct {
	Header  frame.Header
	Headers []HeaderField // non-nil for a decoded HEADERS/CONTINUATION block
	Data    []byte        // non-nil for DATA
	EndFrag bool          // DATA/HEADERS carried END_STREAM
	RSTCode *frame.ErrCode
	Err     error // terminal delivery error, e.g. ConnectionClosed
}

// HeaderField mirrors hpack.HeaderField without importing the internal
// hpack package from this one, keeping the registry decoupled from the
// HPACK implementation detail.
type HeaderField struct {
	Name, Value string
}

// Entry is the registry's record for one stream (spec.md section 3
// StreamEntry).
type Entry struct {
	ID    uint32
	state State

	OutboundWindow *flowcontrol.Window
	InboundCredit  *flowcontrol.Credit

	Mailbox chan IncomingFrame

	mu sync.Mutex
}

// State returns the stream's current state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entry) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Registry is the mutex-protected map of active streams plus the client
// stream-id allocator (spec.md section 4.5).
type Registry struct {
	mu            sync.Mutex
	streams       map[uint32]*Entry
	nextClientID  uint32
	maxReceivedID uint32
	maxConcurrent uint32
}

// New returns a Registry that allocates client stream IDs starting at 1
// and rejects new streams once maxConcurrentStreams are open.
func New(maxConcurrentStreams uint32) *Registry {
	return &Registry{
		streams:       make(map[uint32]*Entry),
		nextClientID:  1,
		maxConcurrent: maxConcurrentStreams,
	}
}

// ErrTooManyStreams is returned by Allocate when the open-stream count is
// already at the peer's SETTINGS_MAX_CONCURRENT_STREAMS.
var ErrTooManyStreams = errors.New("streamregistry: too many concurrent streams")

// ErrStreamIDExhausted is returned once the 31-bit client stream ID space
// is exhausted; the caller should establish a new connection.
var ErrStreamIDExhausted = errors.New("streamregistry: client stream ID space exhausted")

// SetMaxConcurrentStreams updates the bound used by Allocate, called when
// the peer's SETTINGS_MAX_CONCURRENT_STREAMS changes.
func (r *Registry) SetMaxConcurrentStreams(n uint32) {
	r.mu.Lock()
	r.maxConcurrent = n
	r.mu.Unlock()
}

// Allocate reserves the next odd client stream ID and registers a new
// Entry for it in the Idle state, enforcing strict monotonic increase by
// two (spec.md section 4.5) and the concurrent-stream cap.
func (r *Registry) Allocate(streamFlow, connFlow *flowcontrol.Window, inboundStreamCredit uint32) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uint32(len(r.streams)) >= r.maxConcurrent {
		return nil, ErrTooManyStreams
	}
	if r.nextClientID == 0 {
		return nil, ErrStreamIDExhausted
	}

	id := r.nextClientID
	e := &Entry{
		ID:             id,
		state:          Idle,
		OutboundWindow: streamFlow,
		InboundCredit:  flowcontrol.NewCredit(inboundStreamCredit / 2),
		Mailbox:        make(chan IncomingFrame, 32),
	}
	r.streams[id] = e

	if id+2 > 1<<31-1 {
		r.nextClientID = 0 // sentinel: exhausted
	} else {
		r.nextClientID = id + 2
	}
	return e, nil
}

// Lookup returns the entry for id, or nil if none is registered (e.g. the
// stream already closed, or id was never allocated/reserved).
func (r *Registry) Lookup(id uint32) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

// Reserve registers a server-pushed (even) stream ID in ReservedRemote,
// per spec.md section 4.8's PUSH_PROMISE handling.
func (r *Registry) Reserve(id uint32, inboundStreamCredit uint32) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{
		ID:            id,
		state:         ReservedRemote,
		InboundCredit: flowcontrol.NewCredit(inboundStreamCredit / 2),
		Mailbox:       make(chan IncomingFrame, 32),
	}
	r.streams[id] = e
	return e
}

// Remove deletes id from the registry; called once a stream reaches
// Closed (spec.md section 9: explicit removal, not consumer GC).
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

// SetState transitions e's state and removes it from the registry if the
// new state is Closed.
func (r *Registry) SetState(e *Entry, s State) {
	e.setState(s)
	if s == Closed {
		r.Remove(e.ID)
	}
}

// Count returns the number of currently tracked streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// NoteReceivedStreamID updates MaxReceivedStreamID if id is larger than
// any previously observed.
func (r *Registry) NoteReceivedStreamID(id uint32) {
	r.mu.Lock()
	if id > r.maxReceivedID {
		r.maxReceivedID = id
	}
	r.mu.Unlock()
}

// MaxReceivedStreamID returns the highest stream ID seen from the peer,
// used when emitting GOAWAY (spec.md section 4.5).
func (r *Registry) MaxReceivedStreamID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxReceivedID
}

// All returns a snapshot of every currently registered entry, used by the
// control plane to fan out GOAWAY/REFUSED_STREAM terminations.
func (r *Registry) All() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.streams))
	for _, e := range r.streams {
		out = append(out, e)
	}
	return out
}
