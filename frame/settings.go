package frame

import "encoding/binary"

// SettingID identifies a SETTINGS parameter (RFC 7540 section 11.3; spec.md
// section 6 "Recognized settings identifiers").
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// Setting is a single id/value pair as carried in a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

// ParseSettings decodes a SETTINGS frame payload (already validated to be a
// multiple of 6 bytes by validate) into its id/value pairs.
func ParseSettings(payload []byte) []Setting {
	out := make([]Setting, 0, len(payload)/6)
	for i := 0; i+6 <= len(payload); i += 6 {
		out = append(out, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(payload[i : i+2])),
			Val: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		})
	}
	return out
}

// EncodeSettings builds a SETTINGS frame payload from a list of parameters.
func EncodeSettings(settings []Setting) []byte {
	b := make([]byte, 6*len(settings))
	for i, s := range settings {
		binary.BigEndian.PutUint16(b[i*6:i*6+2], uint16(s.ID))
		binary.BigEndian.PutUint32(b[i*6+2:i*6+6], s.Val)
	}
	return b
}

// Defaults per RFC 7540 section 11.3 / 6.5.2, used to seed ConnectionSettings
// before any SETTINGS frame has been exchanged.
const (
	DefaultHeaderTableSize      = 4096
	DefaultInitialWindowSize    = 65535
	DefaultMaxFrameSize         = 1 << 14
	DefaultMaxConcurrentStreams = 1000 // RFC allows "unlimited"; this is a practical client-side cap
)
