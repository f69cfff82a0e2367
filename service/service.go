package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/p2pcinema/backend/grace"
	"github.com/p2pcinema/backend/metrics"
	"github.com/p2pcinema/backend/model"
	"github.com/p2pcinema/backend/relay"
	"github.com/p2pcinema/backend/storage/memory"
)

var (
	ErrConnect = errors.New("unable to connect")
)

type (
	RoomStore interface {
		BindConnection(identity, conn string)
		Connection(identity string) (string, bool)
		CreateRoom(hostIdentity, hostConn string) model.State
		JoinRoom(code, guestIdentity, guestConn string) (model.State, error)
		ReconnectHost(hostIdentity, newConn string) (model.State, bool)
		ReconnectGuest(guestIdentity, newConn string) (model.State, bool)
		RemoveConnection(conn string) *model.Membership
		DestroyRoom(code string)
		StateOf(code string) (model.State, bool)
		HostRoom(identity string) (model.State, bool)
		RoomByIdentity(identity string) (model.State, model.Role, bool)
		SetFileInfo(code string, fi model.FileInfo) bool
		SetMode(code, mode string) bool
		MemberConnections(code, exceptIdentity string) []string
		RoomCount() int
	}

	Switch interface {
		Connect(conn string, wire model.Wire)
		Disconnect(conn string)
		Send(ctx context.Context, conn string, env model.Envelope) bool
		SendMany(ctx context.Context, conns []string, env model.Envelope) bool
	}

	Relay interface {
		Start(code, sender string, totalChunks int) *relay.Session
		AddChunk(code, sender string, index int, data json.RawMessage, isLast bool) (accepted, completed bool)
		Sender(code string) (string, bool)
		Retry(code string, missing []int) ([]relay.Chunk, int, bool)
		Abort(code string) bool
		Active(code string) bool
		Count() int
	}

	// Service resolves identities, runs every room and relay operation,
	// and emits the resulting counter-events through the switch.
	Service struct {
		store  RoomStore
		sw     Switch
		relay  Relay
		grace  *grace.Controller
		logger zerolog.Logger

		gracePeriod time.Duration
	}

	Config struct {
		RoomStore   RoomStore
		Switch      Switch
		Relay       Relay
		Logger      *zerolog.Logger
		GracePeriod time.Duration
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:       cfg.RoomStore,
		sw:          cfg.Switch,
		relay:       cfg.Relay,
		logger:      cfg.Logger.With().Str("component", "api").Logger(),
		gracePeriod: cfg.GracePeriod,
	}
	svc.grace = grace.NewController(cfg.Logger, cfg.GracePeriod, svc.hostGone)
	return svc
}

// Connect registers a fresh connection for an identity and starts the
// dispatch loop consuming its inbound envelopes.
func (svc *Service) Connect(ctx context.Context, identity, conn string, wire model.Wire) error {
	if identity == "" || conn == "" {
		return ErrConnect
	}
	svc.store.BindConnection(identity, conn)
	svc.sw.Connect(conn, wire)
	metrics.ConnectionsActive.Inc()
	svc.logger.Debug().
		Str("identity", identity).
		Str("conn", conn).
		Msg("participant connected")

	go svc.dispatch(ctx, identity, conn, wire.RX)
	return nil
}

// Disconnect tears down a departed connection. A host's room enters
// its grace period; a guest is removed on the spot.
func (svc *Service) Disconnect(ctx context.Context, identity, conn string) error {
	svc.sw.Disconnect(conn)
	metrics.ConnectionsActive.Dec()

	member := svc.store.RemoveConnection(conn)
	if member == nil {
		return nil
	}
	switch member.Role {
	case model.RoleHost:
		if svc.grace.Start(member.RoomCode) {
			metrics.GraceStartsTotal.Inc()
			svc.broadcast(ctx, member.RoomCode, member.Identity, model.EventHostAway, map[string]any{
				"hostIdentity": member.Identity,
				"graceSeconds": int(svc.gracePeriod.Seconds()),
			})
		}
	case model.RoleGuest:
		svc.broadcast(ctx, member.RoomCode, member.Identity, model.EventGuestLeft, map[string]any{
			"identity":   member.Identity,
			"guestCount": member.GuestCount,
		})
	}
	svc.logger.Debug().
		Str("identity", identity).
		Str("roomCode", member.RoomCode).
		Msg("participant disconnected")
	return nil
}

func (svc *Service) dispatch(ctx context.Context, identity, conn string, rx <-chan model.Envelope) {
dispatchLoop:
	for {
		select {
		case <-ctx.Done():
			break dispatchLoop
		case env := <-rx:
			svc.handle(ctx, identity, conn, env)
		}
	}
}

func (svc *Service) handle(ctx context.Context, identity, conn string, env model.Envelope) {
	metrics.EventsTotal.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case model.EventCreateRoom:
		svc.createRoom(ctx, identity, conn, env)
	case model.EventJoinRoom:
		svc.joinRoom(ctx, identity, conn, env)
	case model.EventHostRejoin:
		svc.hostRejoin(ctx, identity, conn, env)
	case model.EventGuestRejoin:
		svc.guestRejoin(ctx, identity, conn, env)
	case model.EventFileInfo:
		svc.fileInfo(ctx, identity, conn, env)
	case model.EventGuestReady:
		svc.guestReady(ctx, identity, env)
	case model.EventSignal:
		svc.signal(ctx, identity, env)
	case model.EventRelayStart:
		svc.relayStart(ctx, identity, conn, env)
	case model.EventRelayChunk:
		svc.relayChunk(ctx, identity, env)
	case model.EventRelayAck:
		svc.relayAck(ctx, identity, env)
	case model.EventRelayRetry:
		svc.relayRetry(ctx, identity, conn, env)
	case model.EventRelayAbort:
		svc.relayAbort(ctx, identity, conn, env)
	case model.EventModeSwitch:
		svc.modeSwitch(ctx, identity, conn, env)
	case model.EventTransferState,
		model.EventPlayCommand,
		model.EventPauseCommand,
		model.EventStreamPlay,
		model.EventStreamPause,
		model.EventAudioSync:
		svc.hostBroadcast(ctx, identity, conn, env)
	default:
		svc.logger.Debug().
			Str("identity", identity).
			Str("type", env.Event).
			Msg("unknown event dropped")
	}
}

func (svc *Service) createRoom(ctx context.Context, identity, conn string, env model.Envelope) {
	// Replacing a still-live room is a host-invalidating transition for
	// the old one: its members, relay session and grace timer must not
	// outlive it.
	if old, ok := svc.store.HostRoom(identity); ok {
		svc.destroyRoom(ctx, old, "replaced")
		svc.logger.Debug().
			Str("identity", identity).
			Str("roomCode", old.Code).
			Msg("previous room replaced")
	}

	st := svc.store.CreateRoom(identity, conn)
	metrics.RoomsCreatedTotal.Inc()
	metrics.RoomsActive.Set(float64(svc.store.RoomCount()))
	svc.logger.Debug().
		Str("identity", identity).
		Str("roomCode", st.Code).
		Msg("room created")
	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true, Data: st})
}

func (svc *Service) joinRoom(ctx context.Context, identity, conn string, env model.Envelope) {
	var req struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || req.Code == "" {
		return
	}

	st, err := svc.store.JoinRoom(req.Code, identity, conn)
	if err != nil {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: joinErrorCode(err)})
		return
	}
	metrics.GuestsJoinedTotal.Inc()
	svc.logger.Debug().
		Str("identity", identity).
		Str("roomCode", st.Code).
		Int("guests", st.GuestCount).
		Msg("guest joined")

	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true, Data: st})
	svc.broadcast(ctx, st.Code, identity, model.EventGuestJoined, map[string]any{
		"identity":   identity,
		"guestCount": st.GuestCount,
	})
}

func joinErrorCode(err error) string {
	if errors.Is(err, memory.ErrRoomIsFull) {
		return model.CodeFull
	}
	return model.CodeNotFound
}

func (svc *Service) hostRejoin(ctx context.Context, identity, conn string, env model.Envelope) {
	st, ok := svc.store.ReconnectHost(identity, conn)
	if !ok {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: model.CodeNotFound})
		return
	}
	if svc.grace.Cancel(st.Code) {
		metrics.GraceCancelsTotal.Inc()
	}
	svc.logger.Debug().
		Str("identity", identity).
		Str("roomCode", st.Code).
		Msg("host reconnected")

	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true, Data: st})
	svc.unicast(ctx, conn, identity, model.EventHostRestored, st)
	svc.broadcast(ctx, st.Code, identity, model.EventHostBack, map[string]any{
		"hostIdentity": identity,
	})
}

func (svc *Service) guestRejoin(ctx context.Context, identity, conn string, env model.Envelope) {
	var req struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || req.Code == "" {
		return
	}

	// A still-associated guest just gets its connection rebound. An
	// identity whose association was cleared on disconnect re-enters
	// through the join path, so capacity is re-checked and the other
	// members (who saw guest-left) get a fresh guest-joined.
	if st, ok := svc.store.ReconnectGuest(identity, conn); ok {
		svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true, Data: st})
		return
	}

	st, err := svc.store.JoinRoom(req.Code, identity, conn)
	if err != nil {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: joinErrorCode(err)})
		return
	}
	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true, Data: st})
	svc.broadcast(ctx, st.Code, identity, model.EventGuestJoined, map[string]any{
		"identity":   identity,
		"guestCount": st.GuestCount,
	})
}

func (svc *Service) fileInfo(ctx context.Context, identity, conn string, env model.Envelope) {
	st, ok := svc.store.HostRoom(identity)
	if !ok {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: model.CodeNotHost})
		return
	}
	var fi model.FileInfo
	if json.Unmarshal(env.Payload, &fi) != nil || fi.Name == "" {
		return
	}
	svc.store.SetFileInfo(st.Code, fi)
	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true})
	svc.broadcastRaw(ctx, st.Code, identity, model.EventFileAvailable, env.Payload)
}

func (svc *Service) guestReady(ctx context.Context, identity string, env model.Envelope) {
	target := env.To
	if target == "" {
		st, _, ok := svc.store.RoomByIdentity(identity)
		if !ok {
			return
		}
		target = st.HostIdentity
	}
	svc.forwardTo(ctx, target, identity, model.EventGuestReady, env.Payload)
}

// signal passes an opaque signaling envelope to its target, or to the
// rest of the sender's room when no target is named. Payload is never
// parsed.
func (svc *Service) signal(ctx context.Context, identity string, env model.Envelope) {
	if env.To != "" {
		svc.forwardTo(ctx, env.To, identity, model.EventSignal, env.Payload)
		return
	}
	st, _, ok := svc.store.RoomByIdentity(identity)
	if !ok {
		return
	}
	svc.broadcastRaw(ctx, st.Code, identity, model.EventSignal, env.Payload)
}

func (svc *Service) relayStart(ctx context.Context, identity, conn string, env model.Envelope) {
	st, ok := svc.store.HostRoom(identity)
	if !ok {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: model.CodeNotHost})
		return
	}
	var req struct {
		TotalChunks int `json:"totalChunks"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || req.TotalChunks <= 0 {
		return
	}

	svc.relay.Start(st.Code, identity, req.TotalChunks)
	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true})
	svc.broadcastRaw(ctx, st.Code, identity, model.EventRelayReady, env.Payload)
}

func (svc *Service) relayChunk(ctx context.Context, identity string, env model.Envelope) {
	st, ok := svc.store.HostRoom(identity)
	if !ok {
		return
	}
	var req struct {
		Index  *int            `json:"index"`
		IsLast bool            `json:"isLast"`
		Data   json.RawMessage `json:"data"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || req.Index == nil {
		return
	}

	accepted, completed := svc.relay.AddChunk(st.Code, identity, *req.Index, req.Data, req.IsLast)
	if !accepted {
		return
	}
	metrics.RelayChunksTotal.Inc()
	if completed {
		svc.logger.Debug().
			Str("roomCode", st.Code).
			Int("index", *req.Index).
			Msg("relay transfer completed")
	}
	svc.broadcastRaw(ctx, st.Code, identity, model.EventRelayChunk, env.Payload)
}

func (svc *Service) relayAck(ctx context.Context, identity string, env model.Envelope) {
	st, _, ok := svc.store.RoomByIdentity(identity)
	if !ok {
		return
	}
	sender, ok := svc.relay.Sender(st.Code)
	if !ok {
		return
	}
	svc.forwardTo(ctx, sender, identity, model.EventRelayAck, env.Payload)
}

func (svc *Service) relayRetry(ctx context.Context, identity, conn string, env model.Envelope) {
	st, _, ok := svc.store.RoomByIdentity(identity)
	if !ok {
		return
	}
	var req struct {
		Missing []int `json:"missing"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || len(req.Missing) == 0 {
		return
	}

	chunks, total, ok := svc.relay.Retry(st.Code, req.Missing)
	if !ok {
		return
	}
	for _, c := range chunks {
		payload := map[string]any{
			"index":  c.Index,
			"total":  total,
			"isLast": c.IsLast,
			"data":   c.Data,
		}
		svc.unicast(ctx, conn, st.HostIdentity, model.EventRelayChunk, payload)
		metrics.RelayRetriesTotal.Inc()
	}
	svc.logger.Debug().
		Str("identity", identity).
		Str("roomCode", st.Code).
		Int("requested", len(req.Missing)).
		Int("served", len(chunks)).
		Msg("relay retry served")
}

func (svc *Service) relayAbort(ctx context.Context, identity, conn string, env model.Envelope) {
	st, ok := svc.store.HostRoom(identity)
	if !ok {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: model.CodeNotHost})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(env.Payload, &req)

	if svc.relay.Abort(st.Code) {
		metrics.RelayAbortsTotal.Inc()
		svc.broadcast(ctx, st.Code, identity, model.EventRelayAborted, map[string]any{
			"reason": req.Reason,
		})
	}
	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true})
}

func (svc *Service) modeSwitch(ctx context.Context, identity, conn string, env model.Envelope) {
	st, ok := svc.store.HostRoom(identity)
	if !ok {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: model.CodeNotHost})
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if json.Unmarshal(env.Payload, &req) != nil || req.Mode == "" {
		return
	}
	svc.store.SetMode(st.Code, req.Mode)
	svc.ack(ctx, conn, env.Ack, model.AckResult{OK: true})
	svc.broadcastRaw(ctx, st.Code, identity, model.EventModeSwitch, env.Payload)
}

// hostBroadcast relays host-originated sync events (transfer state,
// play/pause and friends) to the rest of the room unchanged.
func (svc *Service) hostBroadcast(ctx context.Context, identity, conn string, env model.Envelope) {
	st, ok := svc.store.HostRoom(identity)
	if !ok {
		svc.ack(ctx, conn, env.Ack, model.AckResult{Error: model.CodeNotHost})
		return
	}
	svc.broadcastRaw(ctx, st.Code, identity, env.Event, env.Payload)
}

// destroyRoom runs the teardown every host-invalidating transition
// needs: remaining members are told the host is gone, and the room's
// relay session and pending grace timer die with it.
func (svc *Service) destroyRoom(ctx context.Context, st model.State, reason string) {
	svc.broadcast(ctx, st.Code, st.HostIdentity, model.EventHostDisconnected, map[string]any{
		"hostIdentity": st.HostIdentity,
	})
	svc.grace.Cancel(st.Code)
	if svc.relay.Abort(st.Code) {
		metrics.RelayAbortsTotal.Inc()
	}
	svc.store.DestroyRoom(st.Code)
	metrics.RoomsDestroyedTotal.WithLabelValues(reason).Inc()
	metrics.RoomsActive.Set(float64(svc.store.RoomCount()))
}

// hostGone is the grace expiry callback. The room may have been
// destroyed between scheduling and firing, so existence is re-checked
// before anything happens.
func (svc *Service) hostGone(code string) {
	ctx := context.Background()

	st, ok := svc.store.StateOf(code)
	if !ok {
		return
	}
	if svc.logger.GetLevel() <= zerolog.TraceLevel {
		svc.logger.Trace().Str("room", spew.Sdump(st)).Msg("destroying room")
	}

	svc.destroyRoom(ctx, st, "host_gone")
	metrics.GraceExpiriesTotal.Inc()
	svc.logger.Info().
		Str("roomCode", code).
		Str("hostIdentity", st.HostIdentity).
		Msg("grace period expired, room destroyed")
}

// Stats reports live room and relay session counts.
func (svc *Service) Stats() (rooms, relaySessions int) {
	return svc.store.RoomCount(), svc.relay.Count()
}

func (svc *Service) ack(ctx context.Context, conn string, id int64, res model.AckResult) {
	if id == 0 {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal ack result")
		return
	}
	svc.sw.Send(ctx, conn, model.Envelope{
		Event:   model.EventAck,
		Ack:     id,
		Payload: payload,
	})
}

func (svc *Service) unicast(ctx context.Context, conn, from, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", event).Msg("failed to marshal payload")
		return
	}
	svc.sw.Send(ctx, conn, model.Envelope{Event: event, From: from, Payload: b})
}

// forwardTo resolves the target identity's current connection at
// forward time, so a just-reconnected member still receives it.
func (svc *Service) forwardTo(ctx context.Context, toIdentity, from, event string, payload json.RawMessage) {
	conn, ok := svc.store.Connection(toIdentity)
	if !ok {
		svc.logger.Debug().
			Str("dst", toIdentity).
			Str("type", event).
			Msg("cannot forward, dst not connected")
		return
	}
	svc.sw.Send(ctx, conn, model.Envelope{Event: event, From: from, Payload: payload})
}

func (svc *Service) broadcast(ctx context.Context, code, exceptIdentity, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", event).Msg("failed to marshal payload")
		return
	}
	svc.broadcastRaw(ctx, code, exceptIdentity, event, b)
}

func (svc *Service) broadcastRaw(ctx context.Context, code, exceptIdentity, event string, payload json.RawMessage) {
	conns := svc.store.MemberConnections(code, exceptIdentity)
	if len(conns) == 0 {
		return
	}
	svc.sw.SendMany(ctx, conns, model.Envelope{Event: event, From: exceptIdentity, Payload: payload})
}
