package agent

import (
	"sync"
	"testing"
)

func TestStampedeTracker(t *testing.T) {
	st := newStampedeTracker()
	if n := st.RecordMiss("pune"); n != 1 {
		t.Fatalf("RecordMiss() = %d, want 1", n)
	}
	if n := st.RecordMiss("pune"); n != 2 {
		t.Fatalf("RecordMiss() = %d, want 2", n)
	}
	if n := st.RecordMiss("oslo"); n != 1 {
		t.Fatalf("RecordMiss(oslo) = %d, want 1", n)
	}
	st.RecordDone("pune")
	if st.Active("pune") != 1 {
		t.Errorf("Active() = %d, want 1", st.Active("pune"))
	}
	st.RecordDone("pune")
	st.RecordDone("pune")
	if st.Active("pune") != 0 {
		t.Errorf("Active() = %d, want 0", st.Active("pune"))
	}
}

func TestStampedeTracker_Concurrent(t *testing.T) {
	st := newStampedeTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.RecordMiss("pune")
			st.RecordDone("pune")
		}()
	}
	wg.Wait()
	if st.Active("pune") != 0 {
		t.Errorf("Active() = %d, want 0", st.Active("pune"))
	}
}

func TestCategorizeCacheError(t *testing.T) {
	tests := map[string]string{
		"i/o timeout":         "timeout",
		"connection refused":  "connection",
		"network unreachable": "connection",
		"boom":                "unknown",
	}
	for msg, want := range tests {
		if got := categorizeCacheError(errString(msg)); got != want {
			t.Errorf("categorizeCacheError(%q) = %q, want %q", msg, got, want)
		}
	}
	if categorizeCacheError(nil) != "unknown" {
		t.Error("nil error should be unknown")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
