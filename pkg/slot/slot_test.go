package slot

import "testing"

func TestTableFindAndAlloc(t *testing.T) {
	tbl := NewTable(2)

	if idx := tbl.Find("m1"); idx != -1 {
		t.Fatalf("Find on empty table = %d, want -1", idx)
	}

	idx := tbl.AllocFree()
	if idx != 0 {
		t.Fatalf("AllocFree = %d, want 0", idx)
	}
	s := tbl.At(idx)
	s.Lock()
	s.Used = true
	s.ModuleID = "m1"
	s.Unlock()

	if got := tbl.Find("m1"); got != 0 {
		t.Fatalf("Find(m1) = %d, want 0", got)
	}

	idx2 := tbl.AllocFree()
	if idx2 != 1 {
		t.Fatalf("AllocFree = %d, want 1", idx2)
	}
	s2 := tbl.At(idx2)
	s2.Lock()
	s2.Used = true
	s2.ModuleID = "m2"
	s2.Unlock()

	if got := tbl.AllocFree(); got != -1 {
		t.Fatalf("AllocFree on full table = %d, want -1", got)
	}
}

func TestStopRequested(t *testing.T) {
	tbl := NewTable(1)
	if tbl.StopRequested(0) {
		t.Fatal("StopRequested should start false")
	}
	s := tbl.At(0)
	s.Lock()
	s.StopRequestedFlag = true
	s.Unlock()
	if !tbl.StopRequested(0) {
		t.Fatal("StopRequested should report true once set")
	}
	if tbl.StopRequested(5) {
		t.Fatal("StopRequested on out-of-range index should be false")
	}
}

func TestSignalDoesNotBlockWhenAlreadyPending(t *testing.T) {
	s := New()
	s.Signal()
	s.Signal() // must not block even though the channel is already full
	select {
	case <-s.JobSignal:
	default:
		t.Fatal("expected a pending signal")
	}
}

func TestResetClearsState(t *testing.T) {
	s := New()
	s.Lock()
	s.Used = true
	s.ModuleID = "m1"
	s.Busy = true
	gen := s.StopGeneration
	s.Reset()
	s.Unlock()

	if s.Used || s.ModuleID != "" || s.Busy {
		t.Fatalf("Reset left stale state: %+v", s)
	}
	if s.StopGeneration != gen+1 {
		t.Fatalf("StopGeneration = %d, want %d", s.StopGeneration, gen+1)
	}
}
