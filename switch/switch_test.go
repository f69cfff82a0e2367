package _switch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/p2pcinema/backend/model"
)

func testLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

func drain(wire model.Wire) <-chan model.Envelope {
	out := make(chan model.Envelope, 16)
	go func() {
		for env := range wire.TX {
			out <- env
		}
	}()
	return out
}

func TestSend_DeliversToConnectedWire(t *testing.T) {
	sw := NewSwitch(testLogger())
	wire := model.NewWire()
	sw.Connect("conn-1", wire)
	got := drain(wire)

	if !sw.Send(context.Background(), "conn-1", model.Envelope{Event: "signal", From: "alice"}) {
		t.Fatalf("send should succeed")
	}
	select {
	case env := <-got:
		if env.Event != "signal" || env.From != "alice" {
			t.Fatalf("env=%+v", env)
		}
	case <-time.After(time.Second):
		t.Fatalf("envelope never arrived")
	}
}

func TestSend_UnknownHandle(t *testing.T) {
	sw := NewSwitch(testLogger())
	if sw.Send(context.Background(), "nope", model.Envelope{Event: "signal"}) {
		t.Fatalf("send to unknown handle should report false")
	}
}

func TestSend_AfterDisconnect(t *testing.T) {
	sw := NewSwitch(testLogger())
	wire := model.NewWire()
	sw.Connect("conn-1", wire)
	sw.Disconnect("conn-1")

	if sw.Send(context.Background(), "conn-1", model.Envelope{Event: "signal"}) {
		t.Fatalf("send after disconnect should report false")
	}
}

func TestSendMany_DeadEndpointDoesNotBlockOthers(t *testing.T) {
	sw := NewSwitch(testLogger())

	dead := model.NewWire() // nobody reads its TX
	live := model.NewWire()
	sw.Connect("dead", dead)
	sw.Connect("live", live)
	got := drain(live)

	if !sw.SendMany(context.Background(), []string{"dead", "live"}, model.Envelope{Event: "guest-joined"}) {
		t.Fatalf("broadcast should reach the live endpoint")
	}
	select {
	case env := <-got:
		if env.Event != "guest-joined" {
			t.Fatalf("env=%+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("live endpoint never got the broadcast")
	}
}

func TestSend_CanceledContext(t *testing.T) {
	sw := NewSwitch(testLogger())
	wire := model.NewWire() // unread, so send would block until timeout
	sw.Connect("conn-1", wire)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sw.Send(ctx, "conn-1", model.Envelope{Event: "signal"}) {
		t.Fatalf("send on canceled context should report false")
	}
}
