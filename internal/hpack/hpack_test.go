package hpack

import (
	"bytes"
	"reflect"
	"testing"
)

func encodeDecode(t *testing.T, fields []HeaderField) []HeaderField {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			t.Fatalf("WriteField(%v): %v", f, err)
		}
	}

	var got []HeaderField
	dec := NewDecoder(DefaultHeaderTableSize, func(f HeaderField) {
		got = append(got, HeaderField{Name: f.Name, Value: f.Value})
	})
	if _, err := dec.Write(buf.Bytes()); err != nil {
		t.Fatalf("Decoder.Write: %v", err)
	}
	if err := dec.Close(); err != nil {
		t.Fatalf("Decoder.Close: %v", err)
	}
	return got
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
		{Name: "user-agent", Value: "http2-client/1.0"},
		{Name: "x-custom-header", Value: "some rather long value to force huffman to actually help"},
	}
	got := encodeDecode(t, in)
	want := make([]HeaderField, len(in))
	for i, f := range in {
		want[i] = HeaderField{Name: f.Name, Value: f.Value}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestEncodeDecodeRepeatedFieldUsesDynamicTable(t *testing.T) {
	in := []HeaderField{
		{Name: "x-trace-id", Value: "abc123"},
		{Name: "x-trace-id", Value: "abc123"},
		{Name: "x-trace-id", Value: "abc123"},
	}
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range in {
		if err := enc.WriteField(f); err != nil {
			t.Fatal(err)
		}
	}
	firstLen := buf.Len()

	var buf2 bytes.Buffer
	enc2 := NewEncoder(&buf2)
	if err := enc2.WriteField(in[0]); err != nil {
		t.Fatal(err)
	}
	singleLen := buf2.Len()

	if firstLen >= singleLen*3 {
		t.Fatalf("encoding the same field 3 times (%d bytes) should be much cheaper than 3x a fresh literal (%d bytes)", firstLen, singleLen*3)
	}
}

func TestDynamicTableEviction(t *testing.T) {
	var dt dynamicTable
	dt.setMaxSize(64) // room for roughly one small entry plus overhead

	dt.add(HeaderField{Name: "a", Value: "1"}) // size 1+1+32=34
	dt.add(HeaderField{Name: "b", Value: "2"}) // now 68 > 64, evicts "a"

	if _, ok := dt.at(len(dt.ents)); ok && dt.ents[len(dt.ents)-1].Name == "a" {
		t.Fatalf("expected oldest entry to be evicted, table = %+v", dt.ents)
	}
	if len(dt.ents) != 1 || dt.ents[0].Name != "b" {
		t.Fatalf("expected only most recent entry to survive, got %+v", dt.ents)
	}
}

func TestDecoderDynamicTableSizeUpdate(t *testing.T) {
	var got []HeaderField
	dec := NewDecoder(DefaultHeaderTableSize, func(f HeaderField) {
		got = append(got, f)
	})

	var buf bytes.Buffer
	buf.Write(appendDynamicTableSizeUpdate(nil, 0))
	buf.Write(appendIndexed(nil, 2)) // :method: GET, from the static table

	if _, err := dec.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if dec.dt.maxSize != 0 {
		t.Fatalf("dynamic table max size = %d, want 0", dec.dt.maxSize)
	}
	if len(got) != 1 || got[0].Name != ":method" || got[0].Value != "GET" {
		t.Fatalf("got %+v", got)
	}
}

func TestHuffmanRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "www.example.com", "custom-value-1234567890", "Mixed-Case Header/Value!?"} {
		var enc bytes.Buffer
		if _, err := HuffmanEncode(&enc, s); err != nil {
			t.Fatalf("HuffmanEncode(%q): %v", s, err)
		}
		var dec bytes.Buffer
		if _, err := HuffmanDecode(&dec, enc.Bytes()); err != nil {
			t.Fatalf("HuffmanDecode(%q): %v", s, err)
		}
		if dec.String() != s {
			t.Fatalf("Huffman round trip of %q = %q", s, dec.String())
		}
	}
}

func TestDecoderIncrementalWrite(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteField(HeaderField{Name: "x-split", Value: "value-split-across-frames"}); err != nil {
		t.Fatal(err)
	}
	whole := buf.Bytes()
	mid := len(whole) / 2

	var got []HeaderField
	dec := NewDecoder(DefaultHeaderTableSize, func(f HeaderField) { got = append(got, f) })
	if _, err := dec.Write(whole[:mid]); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("decoder emitted a field before receiving the full fragment: %+v", got)
	}
	if _, err := dec.Write(whole[mid:]); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "x-split" || got[0].Value != "value-split-across-frames" {
		t.Fatalf("got %+v", got)
	}
}
