// Package hpack implements HPACK (RFC 7541) header compression with a
// stateful, order-preserving encoder and decoder. Per spec.md section 4.3,
// the encoder is meant to be confined to a connection's single writer
// task and the decoder to its single reader task; this package does not
// itself enforce that confinement (no internal locking) — callers own the
// discipline, same as the teacher's clientConn does with cc.henc/rl.hdec.
package hpack

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// HeaderField is a single name/value pair, as RFC 7541 section 1.3 defines
// it. Both are opaque byte sequences treated here as strings.
type HeaderField struct {
	Name, Value string
	// Sensitive, if true, directs the encoder to use "never indexed"
	// literal representation (RFC 7541 section 6.2.3), e.g. for
	// Authorization or Cookie values that must not enter the dynamic
	// table or be relayed by an intermediary.
	Sensitive bool
}

func (f HeaderField) size() uint32 {
	// RFC 7541 section 4.1: each entry's size is name length + value
	// length + 32 bytes of accounting overhead.
	return uint32(len(f.Name)+len(f.Value)) + 32
}

func (f HeaderField) String() string {
	return fmt.Sprintf("{%q %q}", f.Name, f.Value)
}

// dynamicTable is the decoder/encoder's shared-shape dynamic table
// (RFC 7541 section 2.3.2): a FIFO of the most recently added entries,
// evicted oldest-first to stay within maxSize.
type dynamicTable struct {
	// ents[0] is the most recently added entry (HPACK index 62 is
	// ents[0], 63 is ents[1], ...), matching RFC 7541 section 2.3.3's
	// indexing order.
	ents    []HeaderField
	size    uint32
	maxSize uint32
}

func (dt *dynamicTable) setMaxSize(v uint32) {
	dt.maxSize = v
	dt.evictTo(v)
}

func (dt *dynamicTable) evictTo(size uint32) {
	for dt.size > size && len(dt.ents) > 0 {
		last := dt.ents[len(dt.ents)-1]
		dt.size -= last.size()
		dt.ents = dt.ents[:len(dt.ents)-1]
	}
}

func (dt *dynamicTable) add(f HeaderField) {
	dt.ents = append([]HeaderField{f}, dt.ents...)
	dt.size += f.size()
	dt.evictTo(dt.maxSize)
}

// at returns the entry at the given dynamic-table index, where index 1 is
// the most recently added entry.
func (dt *dynamicTable) at(i int) (HeaderField, bool) {
	if i < 1 || i > len(dt.ents) {
		return HeaderField{}, false
	}
	return dt.ents[i-1], true
}

const staticTableSize = len(staticTable)

// lookup resolves a combined static+dynamic index per RFC 7541 section
// 2.3.3: 1..61 are static, 62.. are dynamic.
func lookup(dt *dynamicTable, i int) (HeaderField, bool) {
	if i >= 1 && i <= staticTableSize {
		return staticTable[i-1], true
	}
	return dt.at(i - staticTableSize)
}

// Decoder decodes a sequence of HPACK-encoded header blocks, maintaining
// dynamic table state across Write calls the way a single shared decoder
// must across an HTTP/2 connection's HEADERS/CONTINUATION sequences
// (spec.md section 4.3/4.6.1: decode order must equal wire receive order).
type Decoder struct {
	dt   dynamicTable
	emit func(f HeaderField)

	// buf accumulates bytes across Write calls until a complete field
	// representation can be parsed; HPACK header block fragments can
	// split a single field across frame boundaries.
	buf bytes.Buffer

	maxStrLen uint32 // 0 means unlimited; guards against abuse via an enormous string literal
}

// NewDecoder returns a Decoder whose dynamic table is bounded by
// maxDynamicTableSize and which calls emitFunc for every field as it is
// decoded, matching the shape the dispatcher needs:
// hpack.NewDecoder(size, onNewHeaderField); decoder.Write(fragment).
func NewDecoder(maxDynamicTableSize uint32, emitFunc func(f HeaderField)) *Decoder {
	d := &Decoder{emit: emitFunc}
	d.dt.setMaxSize(maxDynamicTableSize)
	return d
}

// SetMaxDynamicTableSize sets the decoder's dynamic table size, evicting
// entries that no longer fit. This is called when the *local*
// SETTINGS_HEADER_TABLE_SIZE takes effect (spec.md section 4.3). A later
// dynamic-table-size-update instruction from the peer replaces the value
// set here; the decoder does not check that update against it.
func (d *Decoder) SetMaxDynamicTableSize(v uint32) {
	d.dt.setMaxSize(v)
}

// SetMaxStringLength bounds any single literal's length in bytes; zero
// disables the bound.
func (d *Decoder) SetMaxStringLength(n uint32) { d.maxStrLen = n }

// Write feeds more encoded bytes (a HEADERS or CONTINUATION frame's block
// fragment) into the decoder, emitting each complete field it decodes via
// the Decoder's emit callback, in the order they appear on the wire.
func (d *Decoder) Write(p []byte) (int, error) {
	if len(p) > 0 {
		d.buf.Write(p)
	}
	for d.buf.Len() > 0 {
		if err := d.parseOne(); err != nil {
			if err == errNeedMoreData {
				return len(p), nil
			}
			return len(p), err
		}
	}
	return len(p), nil
}

// Close reports whether the decoder has any unconsumed partial field left
// over — a non-empty buffer at stream-block end means the block was
// truncated, a COMPRESSION_ERROR per RFC 7541 section 4.1.
func (d *Decoder) Close() error {
	if d.buf.Len() > 0 {
		return errors.New("hpack: truncated header block")
	}
	return nil
}

var errNeedMoreData = errors.New("hpack: need more data")

func (d *Decoder) parseOne() error {
	b := d.buf.Bytes()
	if len(b) == 0 {
		return errNeedMoreData
	}
	first := b[0]
	switch {
	case first&0x80 != 0: // 1xxxxxxx: indexed header field
		idx, n, ok := decodeInt(b, 7)
		if !ok {
			return errNeedMoreData
		}
		if idx == 0 {
			return errors.New("hpack: invalid index 0")
		}
		f, ok := lookup(&d.dt, int(idx))
		if !ok {
			return errors.Errorf("hpack: invalid index %d", idx)
		}
		d.buf.Next(n)
		d.emit(f)
		return nil

	case first&0xc0 == 0x40: // 01xxxxxx: literal with incremental indexing
		return d.parseLiteral(b, 6, true)

	case first&0xf0 == 0x00: // 0000xxxx: literal without indexing
		return d.parseLiteral(b, 4, false)

	case first&0xf0 == 0x10: // 0001xxxx: literal never indexed
		return d.parseLiteral(b, 4, false)

	case first&0xe0 == 0x20: // 001xxxxx: dynamic table size update
		v, n, ok := decodeInt(b, 5)
		if !ok {
			return errNeedMoreData
		}
		d.buf.Next(n)
		d.dt.setMaxSize(uint32(v))
		return nil

	default:
		return errors.Errorf("hpack: unrecognized field prefix 0x%02x", first)
	}
}

func (d *Decoder) parseLiteral(b []byte, prefixBits uint8, indexed bool) error {
	idx, n1, ok := decodeInt(b, prefixBits)
	if !ok {
		return errNeedMoreData
	}
	var name string
	rest := b[n1:]
	if idx == 0 {
		s, n2, ok, err := decodeString(rest, d.maxStrLen)
		if err != nil {
			return err
		}
		if !ok {
			return errNeedMoreData
		}
		name = s
		rest = rest[n2:]
		n1 += n2
	} else {
		f, ok := lookup(&d.dt, int(idx))
		if !ok {
			return errors.Errorf("hpack: invalid name index %d", idx)
		}
		name = f.Name
	}
	val, n3, ok, err := decodeString(rest, d.maxStrLen)
	if err != nil {
		return err
	}
	if !ok {
		return errNeedMoreData
	}
	d.buf.Next(n1 + n3)
	f := HeaderField{Name: name, Value: val}
	if indexed {
		d.dt.add(f)
	}
	d.emit(f)
	return nil
}

// decodeInt decodes an RFC 7541 section 5.1 integer with the given prefix
// bit-width, returning the value, the number of bytes consumed, and
// whether enough bytes were available.
func decodeInt(b []byte, prefixBits uint8) (uint64, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	mask := byte(1<<prefixBits) - 1
	v := uint64(b[0] & mask)
	if v < uint64(mask) {
		return v, 1, true
	}
	var m uint
	for i := 1; ; i++ {
		if i >= len(b) {
			return 0, 0, false
		}
		c := b[i]
		v += uint64(c&0x7f) << m
		if c&0x80 == 0 {
			return v, i + 1, true
		}
		m += 7
		if m > 63 {
			return 0, 0, false // pathological encoding; never valid per spec
		}
	}
}

// decodeString decodes an RFC 7541 section 5.2 string literal (Huffman or
// raw), returning the decoded string, bytes consumed, whether there was
// enough data, and any length-limit error.
func decodeString(b []byte, maxLen uint32) (string, int, bool, error) {
	if len(b) == 0 {
		return "", 0, false, nil
	}
	huff := b[0]&0x80 != 0
	strLen, n1, ok := decodeInt(b, 7)
	if !ok {
		return "", 0, false, nil
	}
	if maxLen != 0 && strLen > uint64(maxLen) {
		return "", 0, false, errors.Errorf("hpack: string literal length %d exceeds limit %d", strLen, maxLen)
	}
	total := n1 + int(strLen)
	if len(b) < total {
		return "", 0, false, nil
	}
	raw := b[n1:total]
	if !huff {
		return string(raw), total, true, nil
	}
	var out bytes.Buffer
	if _, err := HuffmanDecode(&out, raw); err != nil {
		return "", 0, false, errors.Wrap(err, "hpack: invalid Huffman string")
	}
	return out.String(), total, true, nil
}
