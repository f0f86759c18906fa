// Package push fans state changes out to attached remote sessions.
package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/jukebox-remote/backend/feed"
	"github.com/adwski/jukebox-remote/backend/metrics"
	"github.com/adwski/jukebox-remote/backend/model"
)

const (
	defaultFwdTimeout = time.Second
)

var ErrDetached = errors.New("session is detached")

type (
	// Sink delivers one push to a remote session.
	Sink interface {
		Push(ctx context.Context, push model.PushInfo) error
	}

	Library interface {
		WatchPlaylist() (uint64, *feed.Subscription[uint64])
		WatchPlaybackState() (model.PlaybackState, *feed.Subscription[model.PlaybackState])
		PlaylistContent(token uuid.UUID) (model.PlaylistContent, error)
	}

	AccessControl interface {
		WatchPermission(token uuid.UUID) (model.Permission, *feed.Subscription[model.Permission], error)
		WatchRemainingVotes(token uuid.UUID) (*int, *feed.Subscription[*int], error)
	}

	Config struct {
		Logger        *zerolog.Logger
		Library       Library
		AccessControl AccessControl

		// ForwardTimeout bounds a single sink write, one second when zero.
		ForwardTimeout time.Duration
	}

	Router struct {
		logger     zerolog.Logger
		lib        Library
		access     AccessControl
		fwdTimeout time.Duration

		mx     *sync.Mutex
		routes map[uuid.UUID]*route
	}

	route struct {
		cancel context.CancelFunc
		done   chan struct{}
	}

	subscriptions struct {
		playlist   *feed.Subscription[uint64]
		playback   *feed.Subscription[model.PlaybackState]
		permission *feed.Subscription[model.Permission]
		votes      *feed.Subscription[*int]
	}
)

func NewRouter(cfg Config) *Router {
	fwdTimeout := cfg.ForwardTimeout
	if fwdTimeout <= 0 {
		fwdTimeout = defaultFwdTimeout
	}
	return &Router{
		logger:     cfg.Logger.With().Str("component", "push-router").Logger(),
		lib:        cfg.Library,
		access:     cfg.AccessControl,
		fwdTimeout: fwdTimeout,
		mx:         &sync.Mutex{},
		routes:     make(map[uuid.UUID]*route),
	}
}

// Attach starts pushing changes relevant to token into sink. Values current
// at attach time are not pushed. Attaching an attached session does nothing.
func (r *Router) Attach(ctx context.Context, sessionID, token uuid.UUID, sink Sink) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.routes[sessionID]; ok {
		return nil
	}

	_, permission, err := r.access.WatchPermission(token)
	if err != nil {
		return err
	}
	_, votes, err := r.access.WatchRemainingVotes(token)
	if err != nil {
		permission.Close()
		return err
	}
	_, playlist := r.lib.WatchPlaylist()
	_, playback := r.lib.WatchPlaybackState()
	subs := &subscriptions{
		playlist:   playlist,
		playback:   playback,
		permission: permission,
		votes:      votes,
	}

	ctx, cancel := context.WithCancel(ctx)
	rt := &route{cancel: cancel, done: make(chan struct{})}
	r.routes[sessionID] = rt

	logger := r.logger.With().
		Str("session", sessionID.String()).
		Str("token", token.String()).
		Logger()
	go func() {
		defer close(rt.done)
		r.forwardChanges(ctx, token, subs, sink, &logger)
	}()

	logger.Debug().Msg("session attached")
	return nil
}

// Detach stops pushes to the session and waits for its forwarder to exit.
func (r *Router) Detach(sessionID uuid.UUID) {
	r.mx.Lock()
	rt, ok := r.routes[sessionID]
	delete(r.routes, sessionID)
	r.mx.Unlock()

	if !ok {
		return
	}
	rt.cancel()
	<-rt.done
	r.logger.Debug().Str("session", sessionID.String()).Msg("session detached")
}

func (r *Router) Attached(sessionID uuid.UUID) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.routes[sessionID]
	return ok
}

func (r *Router) forwardChanges(
	ctx context.Context,
	token uuid.UUID,
	subs *subscriptions,
	sink Sink,
	logger *zerolog.Logger,
) {
	defer func() {
		subs.playlist.Close()
		subs.playback.Close()
		subs.permission.Close()
		subs.votes.Close()
	}()

FwdLoop:
	for {
		var push model.PushInfo
		select {
		case <-ctx.Done():
			break FwdLoop

		case _, ok := <-subs.playlist.C():
			if !ok {
				break FwdLoop
			}
			content, err := r.lib.PlaylistContent(token)
			if err != nil {
				logger.Debug().Err(err).Msg("playlist is not available for token")
				break FwdLoop
			}
			push = model.PushInfo{
				PushAction: model.PushActionUpdateCurrentPlaylist,
				Content:    content,
			}

		case state, ok := <-subs.playback.C():
			if !ok {
				break FwdLoop
			}
			push = model.PushInfo{
				PushAction: model.PushActionUpdatePlaybackState,
				Content:    model.PlaybackStateContent{State: state},
			}

		case perm, ok := <-subs.permission.C():
			if !ok {
				// token released
				break FwdLoop
			}
			push = model.PushInfo{
				PushAction: model.PushActionUpdateAccessPermission,
				Content:    model.AccessPermissionContent{AccessPermission: perm},
			}

		case votes, ok := <-subs.votes.C():
			if !ok {
				break FwdLoop
			}
			push = model.PushInfo{
				PushAction: model.PushActionUpdateRemainingVotes,
				Content:    model.RemainingVotesContent{RemainingVotes: votes},
			}
		}

		if canceled := r.send(ctx, push, sink, logger); canceled {
			break FwdLoop
		}
	}
}

// send reports whether forwarding was canceled.
func (r *Router) send(ctx context.Context, push model.PushInfo, sink Sink, logger *zerolog.Logger) bool {
	fwdCtx, cancel := context.WithTimeout(ctx, r.fwdTimeout)
	defer cancel()

	err := sink.Push(fwdCtx, push)
	metrics.RecordPush(string(push.PushAction), err == nil)
	switch {
	case err == nil:
		logger.Trace().Str("action", string(push.PushAction)).Msg("push is forwarded")
	case ctx.Err() != nil:
		return true
	case errors.Is(err, ErrDetached):
		return true
	default:
		logger.Error().Err(err).Str("action", string(push.PushAction)).Msg("push was dropped, dead session")
	}
	return false
}
