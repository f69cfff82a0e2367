package memory

import (
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/p2pcinema/backend/model"
)

const (
	defaultMaxGuests = 10

	codeLength = 6
	// No I, O, 0 or 1: codes get typed from one screen to another.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var (
	ErrRoomIsFull   = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
)

// MemStore is the process-local room store and identity registry.
// Rooms are indexed by code and by participant identity; the registry
// keeps the identity <-> connection-handle mapping both ways.
//
// Every accessor returns value snapshots taken under the store lock.
// Live *model.Room pointers never leave the store: callers run on
// per-connection goroutines, and a leaked pointer would let them read
// the guest map while another connection's operation mutates it.
type MemStore struct {
	mx *sync.Mutex

	rooms      map[string]*model.Room // room code -> room
	hostRooms  map[string]string      // host identity -> room code
	guestRooms map[string]string      // guest identity -> room code

	identByConn map[string]string // connection handle -> identity
	connByIdent map[string]string // identity -> connection handle

	maxGuests int
}

func NewMemStore(maxGuests int) *MemStore {
	if maxGuests <= 0 {
		maxGuests = defaultMaxGuests
	}
	return &MemStore{
		mx:          &sync.Mutex{},
		rooms:       make(map[string]*model.Room),
		hostRooms:   make(map[string]string),
		guestRooms:  make(map[string]string),
		identByConn: make(map[string]string),
		connByIdent: make(map[string]string),
		maxGuests:   maxGuests,
	}
}

// BindConnection registers a live connection handle for an identity,
// unlinking the identity's previous handle if one is still around.
func (ms *MemStore) BindConnection(identity, conn string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if old, ok := ms.connByIdent[identity]; ok {
		delete(ms.identByConn, old)
	}
	ms.connByIdent[identity] = conn
	ms.identByConn[conn] = identity
}

func (ms *MemStore) Identity(conn string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	identity, ok := ms.identByConn[conn]
	return identity, ok
}

func (ms *MemStore) Connection(identity string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conn, ok := ms.connByIdent[identity]
	return conn, ok
}

// CreateRoom makes a new room owned by hostIdentity. A host that still
// owns a live room gets that room replaced, keeping the one-room-per-host
// invariant; callers that need to notify the displaced room's members
// should tear it down themselves first. Code generation re-rolls until
// it misses every live code.
func (ms *MemStore) CreateRoom(hostIdentity, hostConn string) model.State {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if old, ok := ms.hostRooms[hostIdentity]; ok {
		ms.destroyLocked(old)
	}

	now := time.Now()
	room := &model.Room{
		Code:           ms.generateCode(),
		HostIdentity:   hostIdentity,
		HostConnection: hostConn,
		Guests:         make(map[string]string),
		CreatedAt:      now,
		LastActivity:   now,
	}
	ms.rooms[room.Code] = room
	ms.hostRooms[hostIdentity] = room.Code
	return room.State()
}

func (ms *MemStore) generateCode() string {
	buf := make([]byte, codeLength)
	for {
		for i := range buf {
			buf[i] = codeAlphabet[randomIndex(len(codeAlphabet))]
		}
		code := string(buf)
		if _, ok := ms.rooms[code]; !ok {
			return code
		}
	}
}

func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Panicf("failed to generate random index: %v", err)
	}
	return int(n.Int64())
}

// JoinRoom adds (or re-binds) a guest. The identity keeps its slot
// across reconnections, so an existing mapping is overwritten rather
// than counted against capacity.
func (ms *MemStore) JoinRoom(code, guestIdentity, guestConn string) (model.State, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[code]
	if !ok {
		return model.State{}, ErrRoomNotFound
	}
	if _, member := room.Guests[guestIdentity]; !member && len(room.Guests) >= ms.maxGuests {
		return model.State{}, ErrRoomIsFull
	}

	room.Guests[guestIdentity] = guestConn
	ms.guestRooms[guestIdentity] = code
	room.LastActivity = time.Now()
	return room.State(), nil
}

// ReconnectHost rebinds the host's connection inside the room it owns.
func (ms *MemStore) ReconnectHost(hostIdentity, newConn string) (model.State, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	code, ok := ms.hostRooms[hostIdentity]
	if !ok {
		return model.State{}, false
	}
	room := ms.rooms[code]
	room.HostConnection = newConn
	room.LastActivity = time.Now()
	return room.State(), true
}

// ReconnectGuest rebinds a guest's connection inside its room.
func (ms *MemStore) ReconnectGuest(guestIdentity, newConn string) (model.State, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	code, ok := ms.guestRooms[guestIdentity]
	if !ok {
		return model.State{}, false
	}
	room := ms.rooms[code]
	room.Guests[guestIdentity] = newConn
	room.LastActivity = time.Now()
	return room.State(), true
}

// RemoveConnection unlinks a departed connection handle and reports
// what it was to its room, if anything. A guest loses its room
// association immediately; a host keeps the room (the caller starts
// the grace period) but its connection is cleared. A handle that is
// no longer the identity's current one is stale traffic from before a
// reconnect and only gets unlinked.
func (ms *MemStore) RemoveConnection(conn string) *model.Membership {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	identity, ok := ms.identByConn[conn]
	if !ok {
		return nil
	}
	delete(ms.identByConn, conn)
	if ms.connByIdent[identity] != conn {
		return nil
	}
	delete(ms.connByIdent, identity)

	if code, ok := ms.hostRooms[identity]; ok {
		room := ms.rooms[code]
		room.HostConnection = ""
		return &model.Membership{
			Role:       model.RoleHost,
			RoomCode:   code,
			Identity:   identity,
			GuestCount: len(room.Guests),
		}
	}
	if code, ok := ms.guestRooms[identity]; ok {
		delete(ms.guestRooms, identity)
		room := ms.rooms[code]
		delete(room.Guests, identity)
		return &model.Membership{
			Role:       model.RoleGuest,
			RoomCode:   code,
			Identity:   identity,
			GuestCount: len(room.Guests),
		}
	}
	return nil
}

// DestroyRoom removes the room and every participant association.
// Idempotent: destroying a gone room is a no-op.
func (ms *MemStore) DestroyRoom(code string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.destroyLocked(code)
}

func (ms *MemStore) destroyLocked(code string) {
	room, ok := ms.rooms[code]
	if !ok {
		return
	}
	delete(ms.hostRooms, room.HostIdentity)
	for identity := range room.Guests {
		delete(ms.guestRooms, identity)
	}
	delete(ms.rooms, code)
}

// HostRoom resolves the room an identity hosts, if any.
func (ms *MemStore) HostRoom(identity string) (model.State, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	code, ok := ms.hostRooms[identity]
	if !ok {
		return model.State{}, false
	}
	return ms.rooms[code].State(), true
}

// RoomByIdentity resolves the room an identity belongs to in either role.
func (ms *MemStore) RoomByIdentity(identity string) (model.State, model.Role, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if code, ok := ms.hostRooms[identity]; ok {
		return ms.rooms[code].State(), model.RoleHost, true
	}
	if code, ok := ms.guestRooms[identity]; ok {
		return ms.rooms[code].State(), model.RoleGuest, true
	}
	return model.State{}, 0, false
}

// SetFileInfo persists the last-announced transfer metadata on the room.
func (ms *MemStore) SetFileInfo(code string, fi model.FileInfo) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[code]
	if !ok {
		return false
	}
	room.FileInfo = &fi
	room.LastActivity = time.Now()
	return true
}

// SetMode persists the active content mode so late joiners can be briefed.
func (ms *MemStore) SetMode(code, mode string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[code]
	if !ok {
		return false
	}
	room.CurrentMode = mode
	room.LastActivity = time.Now()
	return true
}

// StateOf snapshots a room by code.
func (ms *MemStore) StateOf(code string) (model.State, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[code]
	if !ok {
		return model.State{}, false
	}
	return room.State(), true
}

// MemberConnections resolves the room's current connection handles at
// call time, minus exceptIdentity. Absent handles (host inside its
// grace window) are skipped.
func (ms *MemStore) MemberConnections(code, exceptIdentity string) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[code]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(room.Guests)+1)
	if room.HostIdentity != exceptIdentity && room.HostConnection != "" {
		conns = append(conns, room.HostConnection)
	}
	for identity, conn := range room.Guests {
		if identity != exceptIdentity && conn != "" {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (ms *MemStore) RoomCount() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return len(ms.rooms)
}
