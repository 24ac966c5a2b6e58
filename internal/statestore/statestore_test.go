package statestore

import (
	"testing"

	"mujmap/internal/jmapclient"
)

func ptrU64(v uint64) *uint64 { return &v }

func TestLoadMissingFileIsColdStart(t *testing.T) {
	s := New(t.TempDir())
	st, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.JMAPState != nil || st.IndexRevision != nil {
		t.Errorf("expected zero state on cold start, got %+v", st)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	state := jmapclient.State("S1")
	want := State{JMAPState: &state, IndexRevision: ptrU64(42)}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.JMAPState == nil || *got.JMAPState != state {
		t.Errorf("JMAPState = %v, want %v", got.JMAPState, state)
	}
	if got.IndexRevision == nil || *got.IndexRevision != 42 {
		t.Errorf("IndexRevision = %v, want 42", got.IndexRevision)
	}
}

func TestAcquireThenAcquireFails(t *testing.T) {
	s := New(t.TempDir())
	lock, err := s.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Acquire(); err != ErrLockHeld {
		t.Errorf("second Acquire() = %v, want ErrLockHeld", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	lock2, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	lock2.Release()
}
