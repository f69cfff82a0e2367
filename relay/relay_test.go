package relay

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

func TestAddChunk_Idempotent(t *testing.T) {
	m := NewManager(testLogger(), time.Minute)
	m.Start("ROOM01", "host", 3)

	data := json.RawMessage(`"YWJj"`)
	if ok, _ := m.AddChunk("ROOM01", "host", 1, data, false); !ok {
		t.Fatalf("chunk should be accepted")
	}
	if ok, _ := m.AddChunk("ROOM01", "host", 1, data, false); !ok {
		t.Fatalf("re-delivery of the same index should be accepted")
	}

	chunks, total, ok := m.Retry("ROOM01", []int{1})
	if !ok || total != 3 {
		t.Fatalf("retry ok=%v total=%d", ok, total)
	}
	if len(chunks) != 1 || chunks[0].Index != 1 {
		t.Fatalf("chunks=%+v, want single index 1", chunks)
	}
	if !bytes.Equal(chunks[0].Data, data) {
		t.Fatalf("payload %s, want byte-identical %s", chunks[0].Data, data)
	}

	s, _ := m.session("ROOM01")
	if got := s.Received(); got != 1 {
		t.Fatalf("received=%d, want 1 after duplicate delivery", got)
	}
}

func TestAddChunk_RejectsWrongSenderAndRange(t *testing.T) {
	m := NewManager(testLogger(), time.Minute)
	m.Start("ROOM01", "host", 2)

	if ok, _ := m.AddChunk("ROOM01", "guest", 0, nil, false); ok {
		t.Fatalf("non-sender chunk should be dropped")
	}
	if ok, _ := m.AddChunk("ROOM01", "host", 2, nil, false); ok {
		t.Fatalf("out-of-range index should be dropped")
	}
	if ok, _ := m.AddChunk("NOROOM", "host", 0, nil, false); ok {
		t.Fatalf("chunk without a session should be dropped")
	}
}

func TestRetry_SkipsMissingIndexes(t *testing.T) {
	m := NewManager(testLogger(), time.Minute)
	m.Start("ROOM01", "host", 4)
	m.AddChunk("ROOM01", "host", 0, json.RawMessage(`"a"`), false)
	m.AddChunk("ROOM01", "host", 2, json.RawMessage(`"c"`), false)

	chunks, _, ok := m.Retry("ROOM01", []int{0, 1, 2, 3, 99})
	if !ok {
		t.Fatalf("retry should find the session")
	}
	if len(chunks) != 2 || chunks[0].Index != 0 || chunks[1].Index != 2 {
		t.Fatalf("chunks=%+v, want indexes 0 and 2 only", chunks)
	}
}

func TestComplete_OnlyOnIsLast(t *testing.T) {
	m := NewManager(testLogger(), time.Minute)
	m.Start("ROOM01", "host", 3)

	if _, completed := m.AddChunk("ROOM01", "host", 0, nil, false); completed {
		t.Fatalf("session completed without isLast")
	}
	if _, completed := m.AddChunk("ROOM01", "host", 1, nil, false); completed {
		t.Fatalf("session completed without isLast")
	}
	accepted, completed := m.AddChunk("ROOM01", "host", 2, nil, true)
	if !accepted || !completed {
		t.Fatalf("accepted=%v completed=%v, want both on isLast", accepted, completed)
	}
	// Re-delivery of the last chunk must not complete twice.
	if _, completed := m.AddChunk("ROOM01", "host", 2, nil, true); completed {
		t.Fatalf("duplicate isLast chunk re-completed the session")
	}
}

func TestPurge_RemovesCompletedSessionAfterDelay(t *testing.T) {
	m := NewManager(testLogger(), 30*time.Millisecond)
	m.Start("ROOM01", "host", 1)
	m.AddChunk("ROOM01", "host", 0, nil, true)

	// Retry traffic still gets served while the purge is pending.
	if _, _, ok := m.Retry("ROOM01", []int{0}); !ok {
		t.Fatalf("completed session should serve retries until purged")
	}

	time.Sleep(100 * time.Millisecond)
	if m.Active("ROOM01") {
		t.Fatalf("session should be purged after the delay")
	}
}

func TestAbort_ImmediateRegardlessOfPurge(t *testing.T) {
	m := NewManager(testLogger(), time.Hour)
	m.Start("ROOM01", "host", 1)
	m.AddChunk("ROOM01", "host", 0, nil, true)

	if !m.Abort("ROOM01") {
		t.Fatalf("abort should remove the session")
	}
	if m.Active("ROOM01") {
		t.Fatalf("session should be gone immediately")
	}
	if m.Abort("ROOM01") {
		t.Fatalf("second abort should be a no-op")
	}
}

func TestStart_ReplacesExistingSession(t *testing.T) {
	m := NewManager(testLogger(), time.Minute)
	m.Start("ROOM01", "host", 5)
	m.AddChunk("ROOM01", "host", 4, nil, false)

	s := m.Start("ROOM01", "host", 2)
	if s.TotalChunks != 2 || s.Received() != 0 {
		t.Fatalf("restart should produce a fresh session, got total=%d received=%d", s.TotalChunks, s.Received())
	}
	if m.Count() != 1 {
		t.Fatalf("count=%d, want 1", m.Count())
	}
}

// session is a test hook to peek at internal state.
func (m *Manager) session(code string) (*Session, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	s, ok := m.sessions[code]
	return s, ok
}
