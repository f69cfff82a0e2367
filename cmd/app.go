package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/p2pcinema/backend/relay"
	httpServer "github.com/p2pcinema/backend/server/http"
	websocketServer "github.com/p2pcinema/backend/server/websocket"
	"github.com/p2pcinema/backend/service"
	store "github.com/p2pcinema/backend/storage/memory"
	sw "github.com/p2pcinema/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")

		gracePeriod = fs.Duration("grace-period", 60*time.Second, "how long a room survives host disconnection")
		purgeDelay  = fs.Duration("relay-purge-delay", 5*time.Minute, "how long a completed relay session absorbs late acks and retries")
		maxGuests   = fs.Int("max-guests", 10, "guest capacity per room")

		stunURL        = fs.String("stun-url", "stun:stun.l.google.com:19302", "STUN server url")
		turnURL        = fs.String("turn-url", "", "TURN server url")
		turnUsername   = fs.String("turn-username", "", "TURN username")
		turnCredential = fs.String("turn-credential", "", "TURN credential")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		RoomStore:   store.NewMemStore(*maxGuests),
		Switch:      sw.NewSwitch(&logger),
		Relay:       relay.NewManager(&logger, *purgeDelay),
		Logger:      &logger,
		GracePeriod: *gracePeriod,
	})

	ice := []httpServer.ICEServer{
		{URLs: []string{*stunURL}},
	}
	if *turnURL != "" {
		ice = append(ice, httpServer.ICEServer{
			URLs:       []string{*turnURL},
			Username:   *turnUsername,
			Credential: *turnCredential,
		})
	}

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Stats:      svc,
		ICEServers: ice,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SessionService: svc,
		ListenAddr:     *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
