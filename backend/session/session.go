// Package session runs the request/response protocol of one remote
// connection: the handshake, request dispatch and the outbound send gate
// shared by responses and pushes.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/adwski/jukebox-remote/backend/codec"
	"github.com/adwski/jukebox-remote/backend/metrics"
	"github.com/adwski/jukebox-remote/backend/model"
	"github.com/adwski/jukebox-remote/backend/push"
)

type State int

const (
	StateConnected State = iota
	StateAwaiting
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaiting:
		return "awaiting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrClosed = errors.New("session is closed")
)

type (
	// Conn carries whole network messages. Transport framing is up to the
	// implementation. ReadMessage returns codec.ErrMalformed for a message
	// that could not be decoded but left the connection usable.
	Conn interface {
		ReadMessage(ctx context.Context) (model.NetworkMessage, error)
		WriteMessage(ctx context.Context, msg model.NetworkMessage) error
		Close() error
	}

	Library interface {
		Songs() []model.Song
		Song(id uuid.UUID) (model.Song, error)
		SongsByID(ids []uuid.UUID) ([]model.Song, error)
		PlaylistContent(token uuid.UUID) (model.PlaylistContent, error)
		AddSongs(token uuid.UUID, songs ...model.Song) error
		PlayInstantly(ctx context.Context, token uuid.UUID, songs ...model.Song) error
		PlayEntry(ctx context.Context, token, entryID uuid.UUID) error
		ContinueSong(ctx context.Context, token uuid.UUID) error
		PauseSong(ctx context.Context, token uuid.UUID) error
		PlayNextSong(ctx context.Context, token uuid.UUID) error
		PlayPreviousSong(ctx context.Context, token uuid.UUID) error
		RemoveEntry(ctx context.Context, token, entryID uuid.UUID) error
		MoveEntry(token, entryID uuid.UUID, offset int) error
		Volume() float64
		SetVolume(token uuid.UUID, v float64) error
		VoteFor(token, entryID uuid.UUID) error
	}

	AccessControl interface {
		RegisterToken(deviceID uuid.UUID) uuid.UUID
		Release(token uuid.UUID)
		UpgradeToAdmin(token uuid.UUID, password string) error
		Permission(token uuid.UUID) (model.Permission, error)
		CheckAuthorized(token uuid.UUID, required model.Permission) error
	}

	Router interface {
		Attach(ctx context.Context, sessionID, token uuid.UUID, sink push.Sink) error
		Detach(sessionID uuid.UUID)
	}

	Config struct {
		Logger        *zerolog.Logger
		Conn          Conn
		Library       Library
		AccessControl AccessControl
		Router        Router

		// Transport labels metrics and logs, e.g. "tcp" or "websocket".
		Transport     string
		ServerVersion string
	}

	Session struct {
		id            uuid.UUID
		conn          Conn
		lib           Library
		access        AccessControl
		router        Router
		transport     string
		serverVersion string
		handlers      map[model.RequestAction]handler
		logger        zerolog.Logger

		// gate serializes every outbound message
		gate *semaphore.Weighted

		mx       sync.Mutex
		state    State
		token    uuid.UUID
		deviceID uuid.UUID

		ctx          context.Context
		cancel       context.CancelFunc
		disconnected chan struct{}
		once         sync.Once
	}
)

func New(cfg Config) *Session {
	id := uuid.New()
	s := &Session{
		id:            id,
		conn:          cfg.Conn,
		lib:           cfg.Library,
		access:        cfg.AccessControl,
		router:        cfg.Router,
		transport:     cfg.Transport,
		serverVersion: cfg.ServerVersion,
		gate:          semaphore.NewWeighted(1),
		state:         StateConnected,
		disconnected:  make(chan struct{}),
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("session", id.String()).
			Str("transport", cfg.Transport).
			Logger(),
	}
	s.handlers = s.dispatchTable()
	return s
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Token returns the access token issued by the handshake, uuid.Nil before it.
func (s *Session) Token() uuid.UUID {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.token
}

// Disconnected is closed once the session is over.
func (s *Session) Disconnected() <-chan struct{} {
	return s.disconnected
}

// Serve reads and dispatches requests one at a time until the connection
// ends or ctx is canceled. The session cannot be served again afterwards.
func (s *Session) Serve(ctx context.Context) error {
	s.mx.Lock()
	if s.state != StateConnected {
		s.mx.Unlock()
		return ErrClosed
	}
	s.state = StateAwaiting
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mx.Unlock()

	metrics.SessionOpened(s.transport)
	s.logger.Debug().Msg("session started")

	stop := context.AfterFunc(s.ctx, s.Close)
	defer func() {
		stop()
		s.Close()
		s.finish()
		metrics.SessionClosed(s.transport)
	}()

	for {
		msg, err := s.conn.ReadMessage(s.ctx)
		switch {
		case err == nil:
		case errors.Is(err, codec.ErrMalformed):
			metrics.RecordMalformedFrame()
			s.logger.Error().Err(err).Msg("malformed message dropped")
			continue
		case s.ctx.Err() != nil,
			errors.Is(err, io.EOF),
			errors.Is(err, net.ErrClosed):
			return nil
		default:
			return err
		}

		if msg.MessageType != model.MessageTypeRequest {
			s.logger.Debug().Str("type", string(msg.MessageType)).Msg("non-request message ignored")
			continue
		}
		req, err := codec.DecodeRequest(msg)
		if err != nil {
			metrics.RecordMalformedFrame()
			s.logger.Error().Err(err).Msg("malformed request dropped")
			continue
		}
		s.handle(s.ctx, req)
	}
}

// Close ends the session. It is safe to call any number of times.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mx.Lock()
		s.state = StateDisconnected
		cancel := s.cancel
		s.mx.Unlock()

		if cancel != nil {
			cancel()
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("connection close failed")
		}
		close(s.disconnected)
		s.logger.Debug().Msg("session disconnected")
	})
}

// finish releases what the handshake acquired. It runs on the Serve
// goroutine only, never from a push.
func (s *Session) finish() {
	s.router.Detach(s.id)

	s.mx.Lock()
	token := s.token
	s.token = uuid.Nil
	s.mx.Unlock()

	if token != uuid.Nil {
		s.access.Release(token)
	}
}

func (s *Session) handle(ctx context.Context, req model.RequestInfo) {
	if e := s.logger.Trace(); e.Enabled() {
		e.Str("request", spew.Sdump(req)).Msg("request received")
	}

	h, ok := s.handlers[req.RequestAction]
	if !ok {
		metrics.RecordIgnoredRequest()
		s.logger.Debug().Str("action", string(req.RequestAction)).Msg("unknown request action ignored")
		return
	}

	resp := s.dispatch(ctx, req, h)
	resp.RequestID = req.RequestID
	metrics.RecordRequest(string(req.RequestAction), string(resp.Status))

	if s.isDisconnected() {
		s.logger.Debug().Str("action", string(req.RequestAction)).Msg("response discarded after disconnect")
		return
	}
	msg, err := codec.NewResponse(resp)
	if err != nil {
		s.logger.Error().Err(err).Str("action", string(req.RequestAction)).Msg("cannot encode response")
		if msg, err = codec.NewResponse(model.ResponseInfo{
			RequestID: req.RequestID,
			Status:    model.ResponseStatusFatal,
		}); err != nil {
			return
		}
	}
	if err = s.send(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Error().Err(err).Msg("cannot send response")
	}
}

func (s *Session) dispatch(ctx context.Context, req model.RequestInfo, h handler) (resp model.ResponseInfo) {
	logger := s.logger.With().Str("action", string(req.RequestAction)).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("request handler panicked")
			resp = model.ResponseInfo{Status: model.ResponseStatusFatal}
		}
	}()

	if h.permission != "" {
		s.mx.Lock()
		token, state := s.token, s.state
		s.mx.Unlock()
		if token == uuid.Nil || state != StateActive {
			return model.ResponseInfo{Status: model.ResponseStatusUnauthorized, Message: "handshake first"}
		}
		if err := s.access.CheckAuthorized(token, h.permission); err != nil {
			return errorResponse(err)
		}
	}

	resp, err := h.fn(ctx, req.Parameters)
	if err != nil {
		resp = errorResponse(err)
		if resp.Status == model.ResponseStatusFatal {
			logger.Error().Err(err).Msg("request failed")
		} else {
			logger.Debug().Err(err).Str("status", string(resp.Status)).Msg("request refused")
		}
	}
	return resp
}

// Push implements push.Sink.
func (s *Session) Push(ctx context.Context, info model.PushInfo) error {
	if s.isDisconnected() {
		return push.ErrDetached
	}
	msg, err := codec.NewPush(info)
	if err != nil {
		return err
	}
	if err = s.send(ctx, msg); errors.Is(err, ErrClosed) {
		return push.ErrDetached
	}
	return err
}

// send writes msg through the gate. A failed write ends the session.
func (s *Session) send(ctx context.Context, msg model.NetworkMessage) error {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)

	if s.isDisconnected() {
		return ErrClosed
	}
	if err := s.conn.WriteMessage(ctx, msg); err != nil {
		// a partial frame leaves the stream unusable
		s.logger.Warn().Err(err).Msg("write failed, disconnecting")
		s.Close()
		return err
	}
	return nil
}

func (s *Session) isDisconnected() bool {
	select {
	case <-s.disconnected:
		return true
	default:
		return false
	}
}
