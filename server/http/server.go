package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// StatsProvider reports live room and relay session counts.
type StatsProvider interface {
	Stats() (rooms, relaySessions int)
}

// ICEServer mirrors the RTCIceServer shape clients feed straight into
// their peer connection config.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Rooms         int     `json:"rooms"`
	RelaySessions int     `json:"relaySessions"`
}

type statusResponse struct {
	Rooms         int `json:"rooms"`
	RelaySessions int `json:"relaySessions"`
}

type Server struct {
	logger    zerolog.Logger
	stats     StatsProvider
	ice       []ICEServer
	startedAt time.Time
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Stats      StatsProvider
	ICEServers []ICEServer
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "api-server").Logger(),
		stats:     cfg.Stats,
		ice:       cfg.ICEServers,
		startedAt: time.Now(),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /api/status", srv.status)
	r.HandleFunc("GET /api/ice", srv.iceServers)
	r.Handle("GET /metrics", promhttp.Handler())
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	rooms, relays := srv.stats.Stats()
	srv.writeJSON(w, &healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(srv.startedAt).Seconds(),
		Rooms:         rooms,
		RelaySessions: relays,
	})
}

func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	rooms, relays := srv.stats.Stats()
	srv.writeJSON(w, &statusResponse{
		Rooms:         rooms,
		RelaySessions: relays,
	})
}

func (srv *Server) iceServers(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, srv.ice)
}

func (srv *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, http.StatusOK, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
