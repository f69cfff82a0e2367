package model

import (
	"encoding/json"
	"time"
)

// Inbound event types accepted from participants.
const (
	EventCreateRoom  = "create-room"
	EventJoinRoom    = "join-room"
	EventHostRejoin  = "host-rejoin"
	EventGuestRejoin = "guest-rejoin"
	EventFileInfo    = "file-info"
	EventGuestReady  = "guest-ready"
	EventSignal      = "signal"

	EventRelayStart = "relay-start"
	EventRelayChunk = "relay-chunk"
	EventRelayAck   = "relay-ack"
	EventRelayRetry = "relay-retry"
	EventRelayAbort = "relay-abort"

	EventTransferState = "transfer-state"
	EventModeSwitch    = "mode-switch"
	EventPlayCommand   = "play-command"
	EventPauseCommand  = "pause-command"
	EventStreamPlay    = "stream-play"
	EventStreamPause   = "stream-pause"
	EventAudioSync     = "audio-sync"
)

// Server-initiated event types.
const (
	EventAck              = "ack"
	EventGuestJoined      = "guest-joined"
	EventGuestLeft        = "guest-left"
	EventHostAway         = "host-away"
	EventHostBack         = "host-back"
	EventHostDisconnected = "host-disconnected"
	EventHostRestored     = "host-restored"
	EventFileAvailable    = "file-available"
	EventRelayReady       = "relay-ready"
	EventRelayAborted     = "relay-aborted"
)

// Content modes a room can be in.
const (
	ModeFile          = "file"
	ModeStream        = "stream"
	ModeExternalAudio = "external-audio"
)

// Envelope is the wire format for every websocket message in both
// directions. Payload is opaque to the forwarding path; only room and
// relay operations parse it.
type Envelope struct {
	Event   string          `json:"event"`
	To      string          `json:"to,omitempty"`   // target identity for forwarded events
	From    string          `json:"from,omitempty"` // sender identity, set by server
	Ack     int64           `json:"ack,omitempty"`  // client-chosen correlation id; 0 is reserved for "no reply requested"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckResult is the payload of an "ack" reply correlated to a request
// that carried an ack id.
type AckResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Room is the authoritative room entity. Guests maps participant
// identity to its current connection handle. HostConnection is empty
// while the host is disconnected inside its grace window.
type Room struct {
	Code           string
	HostIdentity   string
	HostConnection string
	Guests         map[string]string
	FileInfo       *FileInfo
	CurrentMode    string
	CreatedAt      time.Time
	LastActivity   time.Time
}

// State is the wire view of a room handed back in ack replies.
type State struct {
	Code         string    `json:"code"`
	HostIdentity string    `json:"hostIdentity"`
	HostOnline   bool      `json:"hostOnline"`
	GuestCount   int       `json:"guestCount"`
	Guests       []string  `json:"guests"`
	FileInfo     *FileInfo `json:"fileInfo,omitempty"`
	CurrentMode  string    `json:"currentMode,omitempty"`
}

// State snapshots the room for transmission.
func (r *Room) State() State {
	guests := make([]string, 0, len(r.Guests))
	for identity := range r.Guests {
		guests = append(guests, identity)
	}
	return State{
		Code:         r.Code,
		HostIdentity: r.HostIdentity,
		HostOnline:   r.HostConnection != "",
		GuestCount:   len(r.Guests),
		Guests:       guests,
		FileInfo:     r.FileInfo,
		CurrentMode:  r.CurrentMode,
	}
}

type Role int

const (
	RoleHost Role = iota
	RoleGuest
)

// Membership describes what a departed connection was to its room.
// GuestCount is the room's guest count after the removal.
type Membership struct {
	Role       Role
	RoomCode   string
	Identity   string
	GuestCount int
}

// Wire is the channel pair connecting one websocket session to the
// event dispatcher. RX carries inbound envelopes, TX outbound.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
