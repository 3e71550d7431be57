package hpack

import (
	"io"
)

// Encoder incrementally writes HPACK-encoded header fields to an
// underlying io.Writer. The teacher's encoder (see DESIGN.md) only ever
// wrote raw uncompressed literals with a comment admitting as much; this
// one indexes into the static and dynamic tables, Huffman-encodes string
// literals when that's shorter, and tracks a dynamic table mirroring the
// one the corresponding Decoder on the peer will build.
type Encoder struct {
	w  io.Writer
	dt dynamicTable

	buf []byte

	// maxSizeChangePending is true once SetMaxDynamicTableSize has been
	// called and the resulting dynamic-table-size-update has not yet been
	// written; spec.md section 4.3 requires this signal go out "at the
	// next encode" rather than immediately, since HPACK forbids emitting
	// it outside a header block.
	maxSizeChangePending bool
	pendingMaxSize       uint32
}

// NewEncoder returns an Encoder that writes to w. The dynamic table starts
// at the RFC 7541 default of 4096 bytes; call SetMaxDynamicTableSize to
// match a non-default SETTINGS_HEADER_TABLE_SIZE.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	e.dt.setMaxSize(DefaultHeaderTableSize)
	return e
}

// DefaultHeaderTableSize is RFC 7541's default dynamic table size, used
// before any SETTINGS_HEADER_TABLE_SIZE has been negotiated.
const DefaultHeaderTableSize = 4096

// SetMaxDynamicTableSize records a new bound for the encoder's dynamic
// table. Per spec.md section 4.3, when the peer lowers
// SETTINGS_HEADER_TABLE_SIZE, a dynamic-table-size-update instruction is
// emitted at the start of the next WriteField call (RFC 7541 forbids
// sending it outside of a header block).
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	e.maxSizeChangePending = true
	e.pendingMaxSize = v
}

// WriteField encodes f, indexing it against the static table, the
// encoder's dynamic table, or emitting it as a literal (Huffman-coded
// when that's smaller), and writes the result to e's Writer.
func (e *Encoder) WriteField(f HeaderField) error {
	e.buf = e.buf[:0]

	if e.maxSizeChangePending {
		e.maxSizeChangePending = false
		e.dt.setMaxSize(e.pendingMaxSize)
		e.buf = appendDynamicTableSizeUpdate(e.buf, e.pendingMaxSize)
	}

	if idx, nameValueMatch := e.findIndex(f); idx > 0 {
		if nameValueMatch {
			e.buf = appendIndexed(e.buf, idx)
		} else if f.Sensitive {
			e.buf = appendLiteral(e.buf, 0x10, 4, idx, f.Value)
		} else {
			e.buf = appendLiteral(e.buf, 0x40, 6, idx, f.Value)
			e.dt.add(f)
		}
	} else if f.Sensitive {
		e.buf = appendLiteralNewName(e.buf, 0x10, 4, f.Name, f.Value)
	} else {
		e.buf = appendLiteralNewName(e.buf, 0x40, 6, f.Name, f.Value)
		e.dt.add(f)
	}

	n, err := e.w.Write(e.buf)
	if err == nil && n != len(e.buf) {
		err = io.ErrShortWrite
	}
	return err
}

// findIndex looks for f.Name (optionally with f.Value) in the static
// table first, then the dynamic table (RFC 7541 section 4.2 recommends
// checking the static table and the newest dynamic entries first).
// Returns the 1-based combined index and whether the value matched too.
func (e *Encoder) findIndex(f HeaderField) (idx int, nameValueMatch bool) {
	if indices, ok := staticTableByName[f.Name]; ok {
		for _, i := range indices {
			if staticTable[i-1].Value == f.Value {
				return i, true
			}
		}
		idx = indices[0]
	}
	for i, e := range e.dt.ents {
		if e.Name != f.Name {
			continue
		}
		combined := staticTableSize + i + 1
		if e.Value == f.Value {
			return combined, true
		}
		if idx == 0 {
			idx = combined
		}
	}
	return idx, false
}

func appendIndexed(dst []byte, idx int) []byte {
	return appendVarInt(dst, 0x80, 7, uint64(idx))
}

func appendDynamicTableSizeUpdate(dst []byte, size uint32) []byte {
	return appendVarInt(dst, 0x20, 5, uint64(size))
}

func appendLiteral(dst []byte, prefixByte byte, prefixBits uint8, nameIdx int, value string) []byte {
	dst = appendVarInt(dst, prefixByte, prefixBits, uint64(nameIdx))
	return appendString(dst, value)
}

func appendLiteralNewName(dst []byte, prefixByte byte, prefixBits uint8, name, value string) []byte {
	dst = appendVarInt(dst, prefixByte, prefixBits, 0)
	dst = appendString(dst, name)
	return appendString(dst, value)
}

// appendVarInt appends v using the RFC 7541 section 5.1 integer encoding
// with a prefixBits-wide prefix, OR'd onto prefixByte's high bits.
func appendVarInt(dst []byte, prefixByte byte, prefixBits uint8, v uint64) []byte {
	max := uint64(1<<prefixBits) - 1
	if v < max {
		return append(dst, prefixByte|byte(v))
	}
	dst = append(dst, prefixByte|byte(max))
	v -= max
	for v >= 0x80 {
		dst = append(dst, byte(v&0x7f|0x80))
		v >>= 7
	}
	return append(dst, byte(v))
}

// appendString appends s as an RFC 7541 section 5.2 string literal,
// Huffman-encoding it when that representation is strictly shorter.
func appendString(dst []byte, s string) []byte {
	huffLen := HuffmanEncodeLength(s)
	if huffLen < uint64(len(s)) {
		dst = appendVarInt(dst, 0x80, 7, huffLen)
		var buf sliceWriter
		HuffmanEncode(&buf, s)
		return append(dst, buf...)
	}
	dst = appendVarInt(dst, 0x00, 7, uint64(len(s)))
	return append(dst, s...)
}

// sliceWriter is a minimal io.Writer over a byte slice, avoiding a
// bytes.Buffer allocation for the common case of appending Huffman output
// directly onto the encoder's scratch buffer.
type sliceWriter []byte

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
