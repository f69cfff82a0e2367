package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p2pcinema/backend/model"
)

type fakeService struct {
	mu            sync.Mutex
	wire          model.Wire
	identity      string
	conn          string
	disconnected  chan struct{}
	connectCalled chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{
		disconnected:  make(chan struct{}),
		connectCalled: make(chan struct{}),
	}
}

func (f *fakeService) Connect(_ context.Context, identity, conn string, wire model.Wire) error {
	f.mu.Lock()
	f.identity, f.conn, f.wire = identity, conn, wire
	f.mu.Unlock()
	close(f.connectCalled)
	return nil
}

func (f *fakeService) Disconnect(_ context.Context, _, _ string) error {
	close(f.disconnected)
	return nil
}

func startTestServer(t *testing.T) (*fakeService, string, func()) {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	svc := newFakeService()
	srv := NewServer(Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return svc, wsURL, ts.Close
}

func TestSession_RequiresIdentity(t *testing.T) {
	_, wsURL, stop := startTestServer(t)
	defer stop()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	if err == nil {
		t.Fatalf("dial without identity should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp=%+v, want 400", resp)
	}
}

func TestSession_WireRoundTrip(t *testing.T) {
	svc, wsURL, stop := startTestServer(t)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?identity=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-svc.connectCalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("service never saw the connection")
	}
	if svc.identity != "alice" || svc.conn == "" {
		t.Fatalf("identity=%q conn=%q", svc.identity, svc.conn)
	}

	// Client -> server.
	if err := conn.WriteJSON(model.Envelope{Event: "create-room", Ack: 7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case env := <-svc.wire.RX:
		if env.Event != "create-room" || env.Ack != 7 {
			t.Fatalf("env=%+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("inbound envelope never reached the wire")
	}

	// Server -> client.
	svc.wire.TX <- model.Envelope{Event: "guest-joined", From: "bob"}
	var env model.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != "guest-joined" || env.From != "bob" {
		t.Fatalf("env=%+v", env)
	}
}

func TestSession_DisconnectOnClose(t *testing.T) {
	svc, wsURL, stop := startTestServer(t)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?identity=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-svc.connectCalled
	conn.Close()

	select {
	case <-svc.disconnected:
	case <-time.After(3 * time.Second):
		t.Fatalf("service never notified of disconnect")
	}
}
