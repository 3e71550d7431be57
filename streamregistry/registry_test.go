package streamregistry

import (
	"testing"

	"github.com/MercuryTechnologies/http2-client/flowcontrol"
)

func TestAllocateIsOddAndIncreasing(t *testing.T) {
	r := New(100)
	var ids []uint32
	for i := 0; i < 3; i++ {
		e, err := r.Allocate(flowcontrol.New(65535), nil, 65535)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}
	want := []uint32{1, 3, 5}
	for i, id := range ids {
		if id != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestAllocateRejectsWhenAtConcurrencyLimit(t *testing.T) {
	r := New(1)
	if _, err := r.Allocate(flowcontrol.New(65535), nil, 65535); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Allocate(flowcontrol.New(65535), nil, 65535); err != ErrTooManyStreams {
		t.Fatalf("second Allocate error = %v, want ErrTooManyStreams", err)
	}
}

func TestRemoveOnClosedTransition(t *testing.T) {
	r := New(100)
	e, err := r.Allocate(flowcontrol.New(65535), nil, 65535)
	if err != nil {
		t.Fatal(err)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
	r.SetState(e, Closed)
	if r.Count() != 0 {
		t.Fatalf("count after Closed transition = %d, want 0", r.Count())
	}
	if r.Lookup(e.ID) != nil {
		t.Fatal("expected Lookup to return nil for a removed stream")
	}
}

func TestMaxReceivedStreamID(t *testing.T) {
	r := New(100)
	r.NoteReceivedStreamID(7)
	r.NoteReceivedStreamID(3)
	r.NoteReceivedStreamID(11)
	if got := r.MaxReceivedStreamID(); got != 11 {
		t.Fatalf("max received = %d, want 11", got)
	}
}

func TestReservePushPromiseStream(t *testing.T) {
	r := New(100)
	e := r.Reserve(2, 65535)
	if e.State() != ReservedRemote {
		t.Fatalf("state = %v, want ReservedRemote", e.State())
	}
	if r.Lookup(2) != e {
		t.Fatal("expected Reserve to register the entry for lookup")
	}
}
