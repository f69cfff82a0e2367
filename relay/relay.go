package relay

import (
	"encoding/json"
	"math/bits"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p2pcinema/backend/metrics"
)

const defaultPurgeDelay = 5 * time.Minute

// Session is one in-flight chunked transfer scoped to a room. The
// buffer only services retry requests; live delivery happens on the
// forwarding path without touching it.
type Session struct {
	RoomCode       string
	SenderIdentity string
	TotalChunks    int
	StartedAt      time.Time
	LastActivity   time.Time

	chunks    []json.RawMessage
	present   []uint64
	lastFlag  []bool
	completed bool
	purge     *time.Timer
}

// Received counts buffered chunks via the presence bitmap.
func (s *Session) Received() int {
	var n int
	for _, w := range s.present {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s *Session) Completed() bool {
	return s.completed
}

func (s *Session) has(index int) bool {
	return s.present[index/64]&(1<<(index%64)) != 0
}

func (s *Session) mark(index int) {
	s.present[index/64] |= 1 << (index % 64)
}

// Chunk is a buffered chunk handed back for targeted re-delivery.
type Chunk struct {
	Index  int
	Data   json.RawMessage
	IsLast bool
}

// Manager owns at most one active Session per room.
type Manager struct {
	logger     zerolog.Logger
	mx         sync.Mutex
	sessions   map[string]*Session
	purgeDelay time.Duration
}

func NewManager(logger *zerolog.Logger, purgeDelay time.Duration) *Manager {
	if purgeDelay <= 0 {
		purgeDelay = defaultPurgeDelay
	}
	return &Manager{
		logger:     logger.With().Str("component", "relay").Logger(),
		sessions:   make(map[string]*Session),
		purgeDelay: purgeDelay,
	}
}

// Start creates the room's session, replacing any previous one. The
// caller is responsible for checking that sender is the room's host.
func (m *Manager) Start(code, sender string, totalChunks int) *Session {
	m.mx.Lock()
	defer m.mx.Unlock()

	if old, ok := m.sessions[code]; ok && old.purge != nil {
		old.purge.Stop()
	}

	if totalChunks < 1 {
		totalChunks = 1
	}
	now := time.Now()
	s := &Session{
		RoomCode:       code,
		SenderIdentity: sender,
		TotalChunks:    totalChunks,
		StartedAt:      now,
		LastActivity:   now,
		chunks:         make([]json.RawMessage, totalChunks),
		present:        make([]uint64, (totalChunks+63)/64),
		lastFlag:       make([]bool, totalChunks),
	}
	m.sessions[code] = s
	metrics.RelaySessionsActive.Set(float64(len(m.sessions)))
	m.logger.Debug().
		Str("roomCode", code).
		Int("totalChunks", totalChunks).
		Msg("relay session started")
	return s
}

// AddChunk buffers a chunk at index. Overwriting is allowed; re-delivery
// of the same index is idempotent. Chunks from anyone but the session
// sender, out-of-range indexes, and rooms without a session are dropped.
// Reports whether the chunk was accepted and whether it completed the
// session (first arrival of the isLast chunk).
func (m *Manager) AddChunk(code, sender string, index int, data json.RawMessage, isLast bool) (accepted, completed bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	s, ok := m.sessions[code]
	if !ok || s.SenderIdentity != sender || index < 0 || index >= s.TotalChunks {
		return false, false
	}

	s.chunks[index] = data
	s.lastFlag[index] = isLast
	s.mark(index)
	s.LastActivity = time.Now()

	if isLast && !s.completed {
		s.completed = true
		s.purge = time.AfterFunc(m.purgeDelay, func() {
			m.purgeExpired(code, s)
		})
		m.logger.Debug().
			Str("roomCode", code).
			Int("received", s.Received()).
			Msg("relay session completed, purge scheduled")
		return true, true
	}
	return true, false
}

// purgeExpired drains a completed session after the purge delay. The
// session may have been replaced or aborted since scheduling, so only
// the exact session that armed the timer gets removed.
func (m *Manager) purgeExpired(code string, s *Session) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.sessions[code] != s {
		return
	}
	delete(m.sessions, code)
	metrics.RelaySessionsActive.Set(float64(len(m.sessions)))
	m.logger.Debug().Str("roomCode", code).Msg("relay session purged")
}

// Sender resolves the session's sender identity for ack forwarding.
func (m *Manager) Sender(code string) (string, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return "", false
	}
	return s.SenderIdentity, true
}

// Retry hands back the buffered chunks among the requested indexes,
// byte-identical to their original delivery. Indexes not yet buffered
// are skipped; the requester asks again later.
func (m *Manager) Retry(code string, missing []int) ([]Chunk, int, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return nil, 0, false
	}
	s.LastActivity = time.Now()

	chunks := make([]Chunk, 0, len(missing))
	for _, idx := range missing {
		if idx < 0 || idx >= s.TotalChunks || !s.has(idx) {
			continue
		}
		chunks = append(chunks, Chunk{
			Index:  idx,
			Data:   s.chunks[idx],
			IsLast: s.lastFlag[idx],
		})
	}
	return chunks, s.TotalChunks, true
}

// Abort deletes the session immediately, with no purge delay.
func (m *Manager) Abort(code string) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return false
	}
	if s.purge != nil {
		s.purge.Stop()
	}
	delete(m.sessions, code)
	metrics.RelaySessionsActive.Set(float64(len(m.sessions)))
	m.logger.Debug().Str("roomCode", code).Msg("relay session aborted")
	return true
}

func (m *Manager) Active(code string) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	_, ok := m.sessions[code]
	return ok
}

func (m *Manager) Count() int {
	m.mx.Lock()
	defer m.mx.Unlock()

	return len(m.sessions)
}
