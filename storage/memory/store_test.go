package memory

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/p2pcinema/backend/model"
)

func TestCreateRoom_CodeShape(t *testing.T) {
	ms := NewMemStore(10)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		st := ms.CreateRoom(fmt.Sprintf("host-%d", i), fmt.Sprintf("conn-%d", i))
		if len(st.Code) != codeLength {
			t.Fatalf("code %q: len=%d, want %d", st.Code, len(st.Code), codeLength)
		}
		for _, c := range st.Code {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("code %q contains %q outside alphabet", st.Code, c)
			}
		}
		if seen[st.Code] {
			t.Fatalf("duplicate code %q among live rooms", st.Code)
		}
		seen[st.Code] = true
	}
}

func TestCreateRoom_ReplacesPreviousRoom(t *testing.T) {
	ms := NewMemStore(10)

	first := ms.CreateRoom("host", "conn-1")
	second := ms.CreateRoom("host", "conn-2")

	if _, ok := ms.StateOf(first.Code); ok {
		t.Fatalf("first room should be destroyed")
	}
	if st, ok := ms.HostRoom("host"); !ok || st.Code != second.Code {
		t.Fatalf("host should own the second room, got %+v ok=%v", st, ok)
	}
}

func TestJoinRoom_NotFound(t *testing.T) {
	ms := NewMemStore(10)

	if _, err := ms.JoinRoom("NOSUCH", "guest", "conn"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err=%v, want ErrRoomNotFound", err)
	}
}

func TestJoinRoom_Full(t *testing.T) {
	ms := NewMemStore(10)
	room := ms.CreateRoom("host", "host-conn")

	for i := 0; i < 10; i++ {
		if _, err := ms.JoinRoom(room.Code, fmt.Sprintf("guest-%d", i), fmt.Sprintf("conn-%d", i)); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if _, err := ms.JoinRoom(room.Code, "guest-10", "conn-10"); !errors.Is(err, ErrRoomIsFull) {
		t.Fatalf("err=%v, want ErrRoomIsFull", err)
	}

	// An existing guest re-joining does not count against capacity.
	st, err := ms.JoinRoom(room.Code, "guest-3", "conn-3b")
	if err != nil {
		t.Fatalf("rejoin at capacity: %v", err)
	}
	if st.GuestCount != 10 {
		t.Fatalf("guests=%d, want 10", st.GuestCount)
	}
}

func TestSnapshotsAreDetached(t *testing.T) {
	ms := NewMemStore(10)
	room := ms.CreateRoom("host", "host-conn")

	before, _ := ms.StateOf(room.Code)
	if _, err := ms.JoinRoom(room.Code, "guest", "guest-conn"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// State handed out earlier must not observe later mutations.
	if before.GuestCount != 0 || len(before.Guests) != 0 {
		t.Fatalf("earlier snapshot mutated: %+v", before)
	}
	after, _ := ms.StateOf(room.Code)
	if after.GuestCount != 1 {
		t.Fatalf("guestCount=%d, want 1", after.GuestCount)
	}
}

func TestRemoveConnection_GuestClearedAndRejoin(t *testing.T) {
	ms := NewMemStore(10)
	room := ms.CreateRoom("host", "host-conn")

	ms.BindConnection("guest", "conn-1")
	if _, err := ms.JoinRoom(room.Code, "guest", "conn-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	member := ms.RemoveConnection("conn-1")
	if member == nil || member.Role != model.RoleGuest || member.RoomCode != room.Code {
		t.Fatalf("membership=%+v, want guest of %s", member, room.Code)
	}
	if member.GuestCount != 0 {
		t.Fatalf("guestCount=%d after removal, want 0", member.GuestCount)
	}
	if _, _, ok := ms.RoomByIdentity("guest"); ok {
		t.Fatalf("guest association should be fully cleared")
	}

	// Same identity comes back and lands in the same room exactly once.
	ms.BindConnection("guest", "conn-2")
	st, err := ms.JoinRoom(room.Code, "guest", "conn-2")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if st.GuestCount != 1 {
		t.Fatalf("guests=%d, want single entry", st.GuestCount)
	}
	if conn, _ := ms.Connection("guest"); conn != "conn-2" {
		t.Fatalf("connection=%q, want conn-2", conn)
	}
}

func TestRemoveConnection_HostKeepsRoom(t *testing.T) {
	ms := NewMemStore(10)
	ms.BindConnection("host", "conn-1")
	room := ms.CreateRoom("host", "conn-1")

	member := ms.RemoveConnection("conn-1")
	if member == nil || member.Role != model.RoleHost {
		t.Fatalf("membership=%+v, want host", member)
	}
	st, ok := ms.StateOf(room.Code)
	if !ok {
		t.Fatalf("room should survive host departure")
	}
	if st.HostOnline {
		t.Fatalf("host should be marked offline")
	}

	st, ok = ms.ReconnectHost("host", "conn-2")
	if !ok || !st.HostOnline {
		t.Fatalf("reconnect should rebind host connection, got %+v ok=%v", st, ok)
	}
}

func TestRemoveConnection_StaleHandle(t *testing.T) {
	ms := NewMemStore(10)
	ms.BindConnection("host", "conn-1")
	ms.CreateRoom("host", "conn-1")

	// Reconnect first, then the old socket's disconnect arrives late.
	ms.BindConnection("host", "conn-2")
	if member := ms.RemoveConnection("conn-1"); member != nil {
		t.Fatalf("stale disconnect should not touch membership, got %+v", member)
	}
	if conn, _ := ms.Connection("host"); conn != "conn-2" {
		t.Fatalf("current connection=%q, want conn-2", conn)
	}
}

func TestDestroyRoom_Idempotent(t *testing.T) {
	ms := NewMemStore(10)
	room := ms.CreateRoom("host", "host-conn")
	if _, err := ms.JoinRoom(room.Code, "guest", "guest-conn"); err != nil {
		t.Fatalf("join: %v", err)
	}

	ms.DestroyRoom(room.Code)
	ms.DestroyRoom(room.Code) // no-op

	if _, ok := ms.StateOf(room.Code); ok {
		t.Fatalf("room should be gone")
	}
	if _, ok := ms.HostRoom("host"); ok {
		t.Fatalf("host association should be purged")
	}
	if _, _, ok := ms.RoomByIdentity("guest"); ok {
		t.Fatalf("guest association should be purged")
	}
	if ms.RoomCount() != 0 {
		t.Fatalf("room count=%d, want 0", ms.RoomCount())
	}
}

func TestMemberConnections_SkipsAbsentAndExcluded(t *testing.T) {
	ms := NewMemStore(10)
	ms.BindConnection("host", "host-conn")
	room := ms.CreateRoom("host", "host-conn")
	if _, err := ms.JoinRoom(room.Code, "g1", "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := ms.JoinRoom(room.Code, "g2", "c2"); err != nil {
		t.Fatalf("join: %v", err)
	}

	conns := ms.MemberConnections(room.Code, "g1")
	if len(conns) != 2 {
		t.Fatalf("conns=%v, want host-conn and c2", conns)
	}

	// Host away: its empty handle must not show up in broadcasts.
	ms.RemoveConnection("host-conn")
	conns = ms.MemberConnections(room.Code, "")
	if len(conns) != 2 {
		t.Fatalf("conns=%v, want c1 and c2 only", conns)
	}
}
