package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/jukebox-remote/backend/access"
	"github.com/adwski/jukebox-remote/backend/config"
	"github.com/adwski/jukebox-remote/backend/model"
	"github.com/adwski/jukebox-remote/backend/player"
	"github.com/adwski/jukebox-remote/backend/push"
	httpServer "github.com/adwski/jukebox-remote/backend/server/http"
	tcpServer "github.com/adwski/jukebox-remote/backend/server/tcp"
	websocketServer "github.com/adwski/jukebox-remote/backend/server/websocket"
	"github.com/adwski/jukebox-remote/backend/service"
	store "github.com/adwski/jukebox-remote/backend/storage/memory"
)

const version = "1.0.0"

type runner interface {
	Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to yaml config file")
		envFile       = fs.String("env-file", ".env", "env file loaded before reading the environment")
		tcpListenAddr = fs.StringP("tcp-listen-addr", "t", "", "remote control tcp listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "remote control websocket listen address")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "local api listen address")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
		adminPassword = fs.String("admin-password", "", "password that upgrades remote clients to admin")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	for name, flag := range map[string]struct{ src, dst *string }{
		"tcp-listen-addr": {tcpListenAddr, &cfg.TCPListenAddr},
		"ws-listen-addr":  {wsListenAddr, &cfg.WSListenAddr},
		"api-listen-addr": {apiListenAddr, &cfg.APIListenAddr},
		"log-level":       {logLevel, &cfg.LogLevel},
		"admin-password":  {adminPassword, &cfg.AdminPassword},
	} {
		if fs.Changed(name) {
			*flag.dst = *flag.src
		}
	}
	if err = cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ms := store.NewMemStore()
	for _, song := range cfg.Library {
		if _, err = ms.AddSong(song); err != nil {
			logger.Fatal().Err(err).Str("title", song.Title).Msg("failed to add song to library")
		}
	}

	ac, err := access.NewControl(access.Config{
		Logger:        &logger,
		AdminPassword: cfg.AdminPassword,
		VotesPerGuest: cfg.VotesPerGuest(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init access control")
	}
	if cfg.AdminPassword == "" {
		logger.Warn().Msg("admin password is not set, remote clients stay guests")
	}

	lib := service.NewLibrary(service.Config{
		SongStore:     ms,
		Player:        player.NewSimulated(player.Config{Logger: &logger, Realtime: cfg.RealtimePlayback}),
		AccessControl: ac,
		PlaylistName:  cfg.PlaylistName,
		Logger:        &logger,
	})
	if err = seedPlaylist(lib, ac, ms.Songs(), cfg.Playlist); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed playlist")
	}

	router := push.NewRouter(push.Config{
		Logger:        &logger,
		Library:       lib,
		AccessControl: ac,
	})

	servers := []runner{httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		Library:       lib,
		AccessControl: ac,
		ListenAddr:    cfg.APIListenAddr,
	})}
	if cfg.TCPListenAddr != "" {
		servers = append(servers, tcpServer.NewServer(tcpServer.Config{
			Logger:        &logger,
			Library:       lib,
			AccessControl: ac,
			Router:        router,
			ListenAddr:    cfg.TCPListenAddr,
			ServerVersion: version,
			MaxFrameSize:  cfg.MaxFrameSize,
		}))
	}
	if cfg.WSListenAddr != "" {
		servers = append(servers, websocketServer.NewServer(websocketServer.Config{
			Logger:        &logger,
			Library:       lib,
			AccessControl: ac,
			Router:        router,
			ListenAddr:    cfg.WSListenAddr,
			ServerVersion: version,
			MaxFrameSize:  cfg.MaxFrameSize,
		}))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, len(servers))
	)
	wg.Add(1 + len(servers))
	go lib.Run(ctx, wg)
	for _, srv := range servers {
		go srv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

// seedPlaylist queues library songs by title on behalf of the host.
func seedPlaylist(lib *service.Library, ac *access.Control, library []model.Song, titles []string) error {
	if len(titles) == 0 {
		return nil
	}
	byTitle := make(map[string]model.Song, len(library))
	for _, song := range library {
		if _, ok := byTitle[song.Title]; !ok {
			byTitle[song.Title] = song
		}
	}
	songs := make([]model.Song, 0, len(titles))
	for _, title := range titles {
		song, ok := byTitle[title]
		if !ok {
			return errors.New("song not in library: " + title)
		}
		songs = append(songs, song)
	}
	host := ac.RegisterLocalToken()
	return lib.AddSongs(host, songs...)
}
