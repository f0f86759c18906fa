package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/jukebox-remote/backend/codec"
	"github.com/adwski/jukebox-remote/backend/session"
)

const (
	transport = "tcp"

	defaultShutdownDeadline = 10 * time.Second
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
	}

	Server struct {
		logger       zerolog.Logger
		lib          session.Library
		access       session.AccessControl
		router       session.Router
		addr         string
		version      string
		maxFrameSize uint32

		mx       *sync.Mutex
		listener net.Listener
		sessions map[*session.Session]struct{}
		ready    chan struct{}
	}
)

func NewServer(cfg Config) *Server {
	maxFrameSize := cfg.MaxFrameSize
	if maxFrameSize == 0 {
		maxFrameSize = codec.DefaultMaxFrameSize
	}
	return &Server{
		logger:       cfg.Logger.With().Str("component", "tcp-server").Logger(),
		lib:          cfg.Library,
		access:       cfg.AccessControl,
		router:       cfg.Router,
		addr:         cfg.ListenAddr,
		version:      cfg.ServerVersion,
		maxFrameSize: maxFrameSize,
		mx:           &sync.Mutex{},
		sessions:     make(map[*session.Session]struct{}),
		ready:        make(chan struct{}),
	}
}

// Addr returns the bound listen address once the server is listening.
func (srv *Server) Addr() net.Addr {
	<-srv.ready
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

func (srv *Server) Sessions() int {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	return len(srv.sessions)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", srv.addr)
	if err != nil {
		close(srv.ready)
		errc <- errors.Join(ErrUnexpected, err)
		return
	}
	srv.mx.Lock()
	srv.listener = listener
	srv.mx.Unlock()
	close(srv.ready)

	srv.logger.Info().Str("addr", listener.Addr().String()).Msg("server started")

	var (
		connWg = &sync.WaitGroup{}
		errSrv = make(chan error, 1)
	)
	go func() {
		errSrv <- srv.accept(ctx, listener, connWg)
	}()

	select {
	case err = <-errSrv:
		errc <- errors.Join(ErrUnexpected, err)
	case <-ctx.Done():
		if err = listener.Close(); err != nil {
			srv.logger.Error().Err(err).Msg("listener close failed")
		}
		<-errSrv
	}

	srv.closeSessions()
	waitTimeout(connWg, defaultShutdownDeadline, &srv.logger)
}

func (srv *Server) accept(ctx context.Context, listener net.Listener, connWg *sync.WaitGroup) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		sess := session.New(session.Config{
			Logger:        &srv.logger,
			Conn:          session.NewStreamConn(conn, srv.maxFrameSize),
			Library:       srv.lib,
			AccessControl: srv.access,
			Router:        srv.router,
			Transport:     transport,
			ServerVersion: srv.version,
		})
		srv.track(sess, true)

		connWg.Add(1)
		go func() {
			defer func() {
				srv.track(sess, false)
				connWg.Done()
			}()
			srv.logger.Debug().
				Str("remote", conn.RemoteAddr().String()).
				Str("session", sess.ID().String()).
				Msg("remote client accepted")
			if err := sess.Serve(ctx); err != nil {
				srv.logger.Warn().Err(err).Str("session", sess.ID().String()).Msg("session ended with error")
			}
		}()
	}
}

func (srv *Server) track(sess *session.Session, add bool) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if add {
		srv.sessions[sess] = struct{}{}
	} else {
		delete(srv.sessions, sess)
	}
}

func (srv *Server) closeSessions() {
	srv.mx.Lock()
	sessions := make([]*session.Session, 0, len(srv.sessions))
	for sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mx.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Error().Msg("sessions did not finish before shutdown deadline")
	}
}
