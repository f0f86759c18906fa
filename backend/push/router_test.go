package push

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/adwski/jukebox-remote/backend/access"
	"github.com/adwski/jukebox-remote/backend/model"
	"github.com/adwski/jukebox-remote/backend/player"
	"github.com/adwski/jukebox-remote/backend/service"
	store "github.com/adwski/jukebox-remote/backend/storage/memory"
)

const quiet = 50 * time.Millisecond

type recorder struct {
	c chan model.PushInfo
}

func newRecorder() *recorder {
	return &recorder{c: make(chan model.PushInfo, 16)}
}

func (rec *recorder) Push(ctx context.Context, push model.PushInfo) error {
	select {
	case rec.c <- push:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rec *recorder) next(t *testing.T) model.PushInfo {
	t.Helper()
	select {
	case push := <-rec.c:
		return push
	case <-time.After(time.Second):
		require.FailNow(t, "no push received")
		return model.PushInfo{}
	}
}

func (rec *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case push := <-rec.c:
		require.FailNow(t, "unexpected push", "%s", push.PushAction)
	case <-time.After(quiet):
	}
}

type env struct {
	router *Router
	lib    *service.Library
	ac     *access.Control
	song   model.Song
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zerolog.Nop()
	votes := 2
	ac, err := access.NewControl(access.Config{
		Logger:        &logger,
		AdminPassword: "pw",
		VotesPerGuest: &votes,
		HashCost:      bcrypt.MinCost,
	})
	require.NoError(t, err)

	ms := store.NewMemStore()
	song, err := ms.AddSong(model.Song{Title: "x", Duration: time.Minute})
	require.NoError(t, err)

	lib := service.NewLibrary(service.Config{
		SongStore:     ms,
		Player:        player.NewSimulated(player.Config{Logger: &logger}),
		AccessControl: ac,
		PlaylistName:  "party",
		Logger:        &logger,
	})
	return &env{
		router: NewRouter(Config{Logger: &logger, Library: lib, AccessControl: ac}),
		lib:    lib,
		ac:     ac,
		song:   song,
	}
}

func TestRouter_NoInitialPushes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	e := newEnv(t)
	token := e.ac.RegisterToken(uuid.New())
	sessionID := uuid.New()
	rec := newRecorder()

	require.NoError(t, e.router.Attach(context.Background(), sessionID, token, rec))
	rec.none(t)

	e.router.Detach(sessionID)
	assert.False(t, e.router.Attached(sessionID))
}

func TestRouter_PermissionUpgradePushedOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	e := newEnv(t)
	token := e.ac.RegisterToken(uuid.New())
	sessionID := uuid.New()
	rec := newRecorder()
	require.NoError(t, e.router.Attach(context.Background(), sessionID, token, rec))
	defer e.router.Detach(sessionID)

	require.NoError(t, e.ac.UpgradeToAdmin(token, "pw"))
	push := rec.next(t)
	assert.Equal(t, model.PushActionUpdateAccessPermission, push.PushAction)
	assert.Equal(t, model.AccessPermissionContent{AccessPermission: model.PermissionAdmin}, push.Content)

	require.NoError(t, e.ac.UpgradeToAdmin(token, "pw"))
	rec.none(t)
}

func TestRouter_PlaylistPlaybackAndVotes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	e := newEnv(t)
	ctx := context.Background()
	admin := e.ac.RegisterLocalToken()
	guest := e.ac.RegisterToken(uuid.New())
	sessionID := uuid.New()
	rec := newRecorder()
	require.NoError(t, e.router.Attach(ctx, sessionID, guest, rec))
	defer e.router.Detach(sessionID)

	require.NoError(t, e.lib.AddSongs(admin, e.song, e.song))
	push := rec.next(t)
	require.Equal(t, model.PushActionUpdateCurrentPlaylist, push.PushAction)
	content, ok := push.Content.(model.PlaylistContent)
	require.True(t, ok)
	assert.Len(t, content.Entries, 2)
	assert.Equal(t, 2, *content.RemainingVotes)

	require.NoError(t, e.lib.VoteFor(guest, content.Entries[1].ID))
	seen := map[model.PushAction]model.PushInfo{}
	for len(seen) < 2 {
		push = rec.next(t)
		seen[push.PushAction] = push
	}
	require.Contains(t, seen, model.PushActionUpdateRemainingVotes)
	require.Contains(t, seen, model.PushActionUpdateCurrentPlaylist)
	votes := seen[model.PushActionUpdateRemainingVotes].Content.(model.RemainingVotesContent)
	assert.Equal(t, 1, *votes.RemainingVotes)

	require.NoError(t, e.lib.PlaySong(ctx, admin, 0))
	// load and play may coalesce into a single playback push
	playing := model.PlaybackStateContent{State: model.PlaybackStatePlaying}
	for {
		push = rec.next(t)
		if push.PushAction == model.PushActionUpdatePlaybackState && push.Content == playing {
			break
		}
	}
}

func TestRouter_AttachTwiceAndUnknownToken(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	e := newEnv(t)
	token := e.ac.RegisterToken(uuid.New())
	sessionID := uuid.New()
	rec := newRecorder()

	require.NoError(t, e.router.Attach(context.Background(), sessionID, token, rec))
	require.NoError(t, e.router.Attach(context.Background(), sessionID, token, rec))
	assert.True(t, e.router.Attached(sessionID))
	e.router.Detach(sessionID)
	e.router.Detach(sessionID)

	err := e.router.Attach(context.Background(), uuid.New(), uuid.New(), rec)
	require.ErrorIs(t, err, access.ErrUnknownToken)
}

func TestRouter_ReleasedTokenEndsForwarding(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	e := newEnv(t)
	token := e.ac.RegisterToken(uuid.New())
	sessionID := uuid.New()
	rec := newRecorder()
	require.NoError(t, e.router.Attach(context.Background(), sessionID, token, rec))

	e.ac.Release(token)
	rec.none(t)
	e.router.Detach(sessionID)
}
