package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/jukebox-remote/backend/codec"
	"github.com/adwski/jukebox-remote/backend/session"
)

const (
	transport = "websocket"

	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger        *zerolog.Logger
		Library       session.Library
		AccessControl session.AccessControl
		Router        session.Router
		ListenAddr    string
		ServerVersion string
		MaxFrameSize  uint32

		// PingInterval and PongWait override the keepalive timings.
		PingInterval time.Duration
		PongWait     time.Duration
	}

	Server struct {
		lib          session.Library
		access       session.AccessControl
		router       session.Router
		version      string
		maxFrameSize int64
		pingInterval time.Duration
		pongWait     time.Duration

		ws *websocket.Upgrader
		*http.Server

		logger zerolog.Logger

		// ctx outlives the upgrade request and ends with Run
		ctx      context.Context
		cancel   context.CancelFunc
		sessions *sync.WaitGroup
	}
)

func NewServer(cfg Config) *Server {
	maxFrameSize := int64(cfg.MaxFrameSize)
	if maxFrameSize == 0 {
		maxFrameSize = codec.DefaultMaxFrameSize
	}
	pingInterval, pongWait := cfg.PingInterval, cfg.PongWait
	if pingInterval <= 0 || pongWait <= pingInterval {
		pingInterval, pongWait = defaultPingInterval, defaultPongWait
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "websocket-server").Logger(),
		lib:          cfg.Library,
		access:       cfg.AccessControl,
		router:       cfg.Router,
		version:      cfg.ServerVersion,
		maxFrameSize: maxFrameSize,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     &sync.WaitGroup{},
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /remote", srv.remote)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.cancel()
		srv.sessions.Wait()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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

func (srv *Server) remote(w http.ResponseWriter, r *http.Request) {
	if srv.ctx.Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(session.Config{
		Logger:        &srv.logger,
		Conn:          newConn(conn, srv.maxFrameSize, srv.pongWait, &srv.logger),
		Library:       srv.lib,
		AccessControl: srv.access,
		Router:        srv.router,
		Transport:     transport,
		ServerVersion: srv.version,
	})
	logger := srv.logger.With().
		Str("remote", r.RemoteAddr).
		Str("session", sess.ID().String()).
		Logger()
	logger.Debug().Msg("remote client upgraded")

	srv.sessions.Add(2)
	go func() {
		defer srv.sessions.Done()
		webSocketPinger(sess.Disconnected(), conn, srv.pingInterval, &logger)
	}()
	go func() {
		defer srv.sessions.Done()
		if err := sess.Serve(srv.ctx); err != nil {
			logger.Warn().Err(err).Msg("session ended with error")
		}
	}()
}

func webSocketPinger(done <-chan struct{}, conn *websocket.Conn, interval time.Duration, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(interval)
	defer pingTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(defaultWebSocketWriteDeadline)
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			logger.Trace().Msg("ping sent")
		}
	}
}
