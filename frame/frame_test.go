package frame

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []Header{
		{Length: 0, Type: TypeSettings, Flags: 0, StreamID: 0},
		{Length: 16384, Type: TypeData, Flags: FlagEndStream, StreamID: 3},
		{Length: 8, Type: TypePing, Flags: FlagAck, StreamID: 0},
		{Length: 1, Type: TypeHeaders, Flags: FlagEndHeaders | FlagEndStream, StreamID: maxStreamID},
	}
	for _, h := range tests {
		var buf bytes.Buffer
		if err := WriteHeader(&buf, h); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if buf.Len() != headerLen {
			t.Fatalf("wire length = %d, want %d", buf.Len(), headerLen)
		}
		got, err := ReadHeader(&buf)
		if err != nil {
			t.Fatalf("ReadHeader: %v", err)
		}
		if got != h {
			t.Fatalf("round-trip = %+v, want %+v", got, h)
		}
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: TypeData, StreamID: 1}
	payload := make([]byte, 100)
	if err := WriteFrame(&buf, h, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFrame(&buf, 50); err == nil {
		t.Fatal("expected ReadFrame to reject a frame exceeding maxFrameSize")
	}
}

func TestReadFrameEncodeDecodeIdentity(t *testing.T) {
	h := Header{Type: TypeData, Flags: FlagEndStream, StreamID: 5}
	payload := []byte("hello, http/2")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, h, payload); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header.Type != h.Type || got.Header.Flags != h.Flags || got.Header.StreamID != h.StreamID {
		t.Fatalf("header mismatch: got %+v, want %+v", got.Header, h)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, payload)
	}
}

func TestValidatePingLength(t *testing.T) {
	f := Frame{Header: Header{Type: TypePing, Length: 4}, Payload: make([]byte, 4)}
	if err := validate(f); err == nil {
		t.Fatal("expected rejection of PING with length != 8")
	}
}

func TestValidateWindowUpdateZeroIncrement(t *testing.T) {
	zero := EncodeWindowUpdate(0)

	streamF := Frame{Header: Header{Type: TypeWindowUpdate, Length: 4, StreamID: 1}, Payload: zero}
	err := validate(streamF)
	if _, ok := err.(StreamError); !ok {
		t.Fatalf("zero increment on stream: got %T, want StreamError", err)
	}

	connF := Frame{Header: Header{Type: TypeWindowUpdate, Length: 4, StreamID: 0}, Payload: zero}
	err = validate(connF)
	if _, ok := err.(ConnectionError); !ok {
		t.Fatalf("zero increment on connection: got %T, want ConnectionError", err)
	}
}

func TestValidateSettingsLengthMultipleOf6(t *testing.T) {
	f := Frame{Header: Header{Type: TypeSettings, Length: 5}, Payload: make([]byte, 5)}
	if _, ok := validate(f).(ConnectionError); !ok {
		t.Fatal("expected ConnectionError for SETTINGS length not a multiple of 6")
	}
}

func TestSettingsEncodeDecode(t *testing.T) {
	in := []Setting{
		{ID: SettingMaxFrameSize, Val: 1 << 16},
		{ID: SettingInitialWindowSize, Val: 1024},
		{ID: SettingEnablePush, Val: 0},
	}
	payload := EncodeSettings(in)
	if len(payload)%6 != 0 {
		t.Fatalf("encoded SETTINGS length %d not a multiple of 6", len(payload))
	}
	out := ParseSettings(payload)
	if len(out) != len(in) {
		t.Fatalf("got %d settings, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("setting %d: got %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestGoAwayEncodeDecode(t *testing.T) {
	payload := EncodeGoAway(17, ErrCodeProtocol, []byte("debug"))
	last, code, debug := DecodeGoAway(payload)
	if last != 17 || code != ErrCodeProtocol || string(debug) != "debug" {
		t.Fatalf("GOAWAY round-trip = (%d, %v, %q)", last, code, debug)
	}
}

func TestHeadersPayloadWithPriority(t *testing.T) {
	f := Frame{
		Header: Header{Type: TypeHeaders, Flags: FlagPriority | FlagEndHeaders, StreamID: 1},
	}
	f.Payload = append(EncodePriority(PriorityPayload{Exclusive: true, StreamDep: 9, Weight: 42}), []byte("frag")...)
	hp, err := HeadersPayloadOf(f)
	if err != nil {
		t.Fatal(err)
	}
	if !hp.HasPriority || !hp.Exclusive || hp.StreamDep != 9 || hp.Weight != 42 {
		t.Fatalf("priority fields = %+v", hp)
	}
	if string(hp.BlockFragment) != "frag" {
		t.Fatalf("block fragment = %q", hp.BlockFragment)
	}
}

func TestValidateGoAwayRejectsShortPayload(t *testing.T) {
	f := Frame{Header: Header{Type: TypeGoAway, Length: 4}, Payload: make([]byte, 4)}
	err := validate(f)
	ce, ok := err.(ConnectionError)
	if !ok {
		t.Fatalf("got %T, want ConnectionError", err)
	}
	if ce.Code != ErrCodeFrameSize {
		t.Fatalf("code = %v, want ErrCodeFrameSize", ce.Code)
	}
}

func TestStripPaddingRejectsOverlongPad(t *testing.T) {
	f := Frame{Header: Header{Type: TypeData, Flags: FlagPadded, StreamID: 1}, Payload: []byte{5, 'a', 'b'}}
	if _, err := DataPayload(f); err == nil {
		t.Fatal("expected rejection of pad length exceeding payload")
	}
}
