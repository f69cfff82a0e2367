package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/p2pcinema/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch keeps one wire per live connection handle and pushes outbound
// envelopes onto them. It never looks at payloads and holds no room
// state; callers resolve identities to handles before sending.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

func (sw *Switch) Connect(conn string, wire model.Wire) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("conn", conn).
			Msg("endpoint connected")
	}()

	sw.wires[conn] = wire
}

func (sw *Switch) Disconnect(conn string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("conn", conn).
			Msg("endpoint disconnected")
	}()

	delete(sw.wires, conn)
}

// Send forwards one envelope to a single connection handle. Reports
// false when the handle is gone or the endpoint is dead.
func (sw *Switch) Send(ctx context.Context, conn string, env model.Envelope) bool {
	sw.mx.RLock()
	wire, ok := sw.wires[conn]
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("type", env.Event).
		Str("src", env.From).Logger()

	if !ok {
		logger.Debug().Str("dst", conn).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, env, wire.TX, &logger)
	return sent
}

// SendMany forwards one envelope to every listed connection handle.
// Reports whether anyone got it. A dead endpoint eats its forwarding
// timeout but never blocks delivery to the rest.
func (sw *Switch) SendMany(ctx context.Context, conns []string, env model.Envelope) bool {
	var sent bool
	for _, conn := range conns {
		if sw.Send(ctx, conn, env) {
			sent = true
		}
		select {
		case <-ctx.Done():
			return sent
		default:
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("type", env.Event).
			Str("src", env.From).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

func send(ctx context.Context, env model.Envelope, tx chan<- model.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- env:
		logger.Trace().Msg("envelope forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
