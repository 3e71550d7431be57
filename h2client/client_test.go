package h2client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/MercuryTechnologies/http2-client/controlplane"
	"github.com/MercuryTechnologies/http2-client/dispatcher"
	"github.com/MercuryTechnologies/http2-client/flowcontrol"
	"github.com/MercuryTechnologies/http2-client/frame"
	"github.com/MercuryTechnologies/http2-client/internal/hpack"
	"github.com/MercuryTechnologies/http2-client/streamregistry"
)

func TestValidateHeadersRejectsInvalidValue(t *testing.T) {
	err := validateHeaders([]HeaderField{{Name: "x-bad", Value: "line\nbreak"}})
	require.Error(t, err)
}

func TestValidateHeadersAcceptsPseudoHeaders(t *testing.T) {
	err := validateHeaders([]HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: "user-agent", Value: "http2-client/1.0"},
	})
	require.NoError(t, err)
}

// newTestConn wires a Conn over a net.Pipe instead of a real TLS dial,
// exercising the same dispatcher/controlplane/registry assembly Dial
// performs without needing a live HTTP/2 server.
func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	clientSide, peerSide := net.Pipe()

	cfg := DefaultConfig()
	cfg.Logger = zerolog.Nop()
	cfg.InterFlowControlUpdates = time.Hour // keep the ticker from emitting WINDOW_UPDATEs during a test

	reg := streamregistry.New(cfg.SettingsMaxConcurrentStreams)
	connOutflow := flowcontrol.New(frame.DefaultInitialWindowSize)
	connInflow := flowcontrol.New(int32(cfg.SettingsInitialWindowSize))
	connCredit := flowcontrol.NewCredit(cfg.SettingsInitialWindowSize / 2)

	conn := &Conn{cfg: cfg, nc: clientSide, reg: reg, connOutflow: connOutflow, runErr: make(chan error, 1)}
	conn.ctrl = controlplane.New(nil, connOutflow, controlplane.DefaultSettings(), cfg.Logger, nil)
	disp := dispatcher.New(clientSide, reg, conn.ctrl, cfg.SettingsHeaderTableSize, connOutflow, connInflow, connCredit, dispatcher.Config{
		LocalMaxFrameSize:   cfg.SettingsMaxFrameSize,
		FlowControlInterval: time.Hour,
	}, cfg.Logger)
	conn.disp = disp
	conn.ctrl.SetSender(disp)

	runCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	go func() { conn.runErr <- disp.Run(runCtx) }()

	t.Cleanup(func() { peerSide.Close() })
	return conn, peerSide
}

// runFakePeer plays the server side of the connection: it ACKs SETTINGS
// and, for each HEADERS it receives, replies with a 200 response and a
// short DATA body carrying END_STREAM.
func runFakePeer(t *testing.T, peer net.Conn) {
	t.Helper()
	go func() {
		for {
			f, err := frame.ReadFrame(peer, 1<<20)
			if err != nil {
				return
			}
			switch f.Type {
			case frame.TypeSettings:
				if !f.Flags.Has(frame.FlagAck) {
					_ = frame.WriteFrame(peer, frame.Header{Type: frame.TypeSettings, Flags: frame.FlagAck}, nil)
				}
			case frame.TypeWindowUpdate:
				// no-op for this fake peer
			case frame.TypeHeaders:
				if !frame.EndHeaders(f) {
					continue
				}
				var buf bytes.Buffer
				enc2 := hpack.NewEncoder(&buf)
				_ = enc2.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
				_ = frame.WriteFrame(peer, frame.Header{Type: frame.TypeHeaders, Flags: frame.FlagEndHeaders, StreamID: f.StreamID}, buf.Bytes())
				_ = frame.WriteFrame(peer, frame.Header{Type: frame.TypeData, Flags: frame.FlagEndStream, StreamID: f.StreamID}, []byte("pong"))
			}
		}
	}()
}

func TestStartStreamHappyPath(t *testing.T) {
	conn, peer := newTestConn(t)
	runFakePeer(t, peer)

	ctx := context.Background()
	s, err := conn.StartStream(ctx, []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":scheme", Value: "https"},
	}, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.ID())

	ev, err := s.Recv(ctx)
	require.NoError(t, err)
	he, ok := ev.(HeadersEvent)
	require.True(t, ok, "first event = %T, want HeadersEvent", ev)
	require.Len(t, he.Headers, 1)
	require.Equal(t, ":status", he.Headers[0].Name)
	require.Equal(t, "200", he.Headers[0].Value)

	ev, err = s.Recv(ctx)
	require.NoError(t, err)
	de, ok := ev.(DataEvent)
	require.True(t, ok, "second event = %T, want DataEvent", ev)
	require.Equal(t, "pong", string(de.Data))
	require.True(t, de.EndStream)
}

func TestStartStreamRejectedAfterGoAway(t *testing.T) {
	conn, peer := newTestConn(t)
	runFakePeer(t, peer)

	payload := frame.EncodeGoAway(0, frame.ErrCodeNo, nil)
	require.NoError(t, frame.WriteFrame(peer, frame.Header{Type: frame.TypeGoAway}, payload))

	deadline := time.Now().Add(time.Second)
	for !conn.ctrl.GoAwayReceived() {
		if time.Now().After(deadline) {
			t.Fatal("GOAWAY never observed")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := conn.StartStream(context.Background(), []HeaderField{{Name: ":method", Value: "GET"}}, true)
	require.Equal(t, ErrGoAwayInProgress, err)
}
