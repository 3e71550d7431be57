package controlplane

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/MercuryTechnologies/http2-client/flowcontrol"
	"github.com/MercuryTechnologies/http2-client/frame"
)

type fakeSender struct {
	written           []frame.Header
	encoderSizes      []uint32
	decoderSizes      []uint32
	remoteMaxFrame    uint32
	adjustedBy        []int32
	terminated        map[uint32]frame.ErrCode
	receivedAboveArgs uint32
}

func newFakeSender() *fakeSender {
	return &fakeSender{terminated: make(map[uint32]frame.ErrCode)}
}

func (f *fakeSender) WriteControlFrame(h frame.Header, payload []byte) error {
	f.written = append(f.written, h)
	return nil
}
func (f *fakeSender) AdjustStreamWindows(delta int32) error {
	f.adjustedBy = append(f.adjustedBy, delta)
	return nil
}
func (f *fakeSender) SetEncoderMaxDynamicTableSize(v uint32) { f.encoderSizes = append(f.encoderSizes, v) }
func (f *fakeSender) SetDecoderMaxDynamicTableSize(v uint32) { f.decoderSizes = append(f.decoderSizes, v) }
func (f *fakeSender) SetRemoteMaxFrameSize(v uint32)         { f.remoteMaxFrame = v }
func (f *fakeSender) TerminateStream(id uint32, code frame.ErrCode) {
	f.terminated[id] = code
}
func (f *fakeSender) ReceivedStreamIDsAbove(lastStreamID uint32) []uint32 {
	f.receivedAboveArgs = lastStreamID
	return []uint32{lastStreamID + 2, lastStreamID + 4}
}

func TestHandleSettingsMergesAndAcks(t *testing.T) {
	sender := newFakeSender()
	cp := New(sender, flowcontrol.New(65535), DefaultSettings(), zerolog.Nop(), nil)

	payload := frame.EncodeSettings([]frame.Setting{
		{ID: frame.SettingMaxFrameSize, Val: 32768},
		{ID: frame.SettingInitialWindowSize, Val: 131072},
		{ID: frame.SettingHeaderTableSize, Val: 8192},
	})
	f := frame.Frame{Header: frame.Header{Type: frame.TypeSettings}, Payload: payload}

	require.NoError(t, cp.HandleSettings(f))

	remote := cp.Remote()
	require.EqualValues(t, 32768, remote.MaxFrameSize)
	require.EqualValues(t, 131072, remote.InitialWindowSize)
	require.EqualValues(t, 8192, remote.HeaderTableSize)
	require.EqualValues(t, 32768, sender.remoteMaxFrame)
	require.Equal(t, []int32{131072 - int32(frame.DefaultInitialWindowSize)}, sender.adjustedBy)
	require.Len(t, sender.written, 1)
	require.Equal(t, frame.TypeSettings, sender.written[0].Type)
	require.True(t, sender.written[0].Flags.Has(frame.FlagAck))
}

func TestHandleSettingsAckCommitsDecoderTableSize(t *testing.T) {
	sender := newFakeSender()
	local := DefaultSettings()
	local.HeaderTableSize = 2048
	cp := New(sender, flowcontrol.New(65535), local, zerolog.Nop(), nil)

	f := frame.Frame{Header: frame.Header{Type: frame.TypeSettings, Flags: frame.FlagAck}}
	require.NoError(t, cp.HandleSettings(f))
	require.Empty(t, sender.written)
	require.Equal(t, []uint32{2048}, sender.decoderSizes)
}

func TestHandlePingEchoesNonAck(t *testing.T) {
	sender := newFakeSender()
	cp := New(sender, flowcontrol.New(65535), DefaultSettings(), zerolog.Nop(), nil)

	f := frame.Frame{Header: frame.Header{Type: frame.TypePing}, Payload: []byte("12345678")}
	require.NoError(t, cp.HandlePing(f))
	require.Len(t, sender.written, 1)
	require.True(t, sender.written[0].Flags.Has(frame.FlagAck))
}

func TestHandlePingAckDeliversRTT(t *testing.T) {
	sender := newFakeSender()
	cp := New(sender, flowcontrol.New(65535), DefaultSettings(), zerolog.Nop(), nil)

	var payload [8]byte
	copy(payload[:], "abcdefgh")
	reply := cp.RegisterPing(payload)

	time.Sleep(time.Millisecond)
	f := frame.Frame{Header: frame.Header{Type: frame.TypePing, Flags: frame.FlagAck}, Payload: payload[:]}
	require.NoError(t, cp.HandlePing(f))

	select {
	case res := <-reply:
		require.NoError(t, res.Err)
		require.Greater(t, res.RTT, time.Duration(0))
	case <-time.After(time.Second):
		t.Fatal("ping result never delivered")
	}
}

func TestHandleGoAwayTerminatesRefusedStreams(t *testing.T) {
	sender := newFakeSender()
	var event GoAwayEvent
	cp := New(sender, flowcontrol.New(65535), DefaultSettings(), zerolog.Nop(), func(e GoAwayEvent) { event = e })

	payload := frame.EncodeGoAway(5, frame.ErrCodeEnhanceYourCalm, []byte("slow down"))
	f := frame.Frame{Header: frame.Header{Type: frame.TypeGoAway}, Payload: payload}

	require.NoError(t, cp.HandleGoAway(f))
	require.True(t, cp.GoAwayReceived())
	require.EqualValues(t, 5, event.LastStreamID)
	require.Equal(t, frame.ErrCodeEnhanceYourCalm, event.Code)
	require.Equal(t, "slow down", string(event.Debug))
	require.EqualValues(t, 5, sender.receivedAboveArgs)
	require.Equal(t, frame.ErrCodeRefusedStream, sender.terminated[7])
	require.Equal(t, frame.ErrCodeRefusedStream, sender.terminated[9])
}

func TestHandleConnectionWindowUpdate(t *testing.T) {
	sender := newFakeSender()
	window := flowcontrol.New(100)
	cp := New(sender, window, DefaultSettings(), zerolog.Nop(), nil)

	payload := frame.EncodeWindowUpdate(50)
	f := frame.Frame{Header: frame.Header{Type: frame.TypeWindowUpdate}, Payload: payload}
	require.NoError(t, cp.HandleConnectionWindowUpdate(f))
	require.EqualValues(t, 150, window.Available())
}
