package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/jukebox-remote/backend/access"
	"github.com/adwski/jukebox-remote/backend/feed"
	"github.com/adwski/jukebox-remote/backend/metrics"
	"github.com/adwski/jukebox-remote/backend/model"
	"github.com/adwski/jukebox-remote/backend/playlist"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrVotingDisabled = errors.New("voting is not supported")
	ErrVoteRejected   = errors.New("vote rejected")
	ErrInvalidState   = errors.New("invalid state")
	ErrPlayback       = errors.New("playback failed")
)

type (
	SongStore interface {
		GetSong(id uuid.UUID) (model.Song, error)
		GetSongs(ids []uuid.UUID) ([]model.Song, error)
		Songs() []model.Song
	}

	AudioPlayer interface {
		Load(ctx context.Context, song model.Song) error
		Play(ctx context.Context) error
		Pause(ctx context.Context) error
		Stop(ctx context.Context) error
		SetVolume(v float64) error
		Volume() float64
		State() model.PlaybackState
		WatchState() (model.PlaybackState, *feed.Subscription[model.PlaybackState])
		SongFinished() <-chan struct{}
	}

	// Library is the single owner of the shared playlist and playback. Every
	// mutation is authorized against the caller's token and serialized.
	Library struct {
		store    SongStore
		player   AudioPlayer
		access   *access.Control
		playlist *playlist.Playlist
		logger   zerolog.Logger

		mx sync.Mutex
	}

	Config struct {
		SongStore     SongStore
		Player        AudioPlayer
		AccessControl *access.Control
		PlaylistName  string
		Logger        *zerolog.Logger
	}
)

func NewLibrary(cfg Config) *Library {
	return &Library{
		store:    cfg.SongStore,
		player:   cfg.Player,
		access:   cfg.AccessControl,
		playlist: playlist.New(cfg.PlaylistName),
		logger:   cfg.Logger.With().Str("component", "library").Logger(),
	}
}

// Run advances the playlist whenever the player finishes a song.
func (lib *Library) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		lib.logger.Debug().Msg("library stopped")
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lib.player.SongFinished():
			lib.songFinished(ctx)
		}
	}
}

func (lib *Library) songFinished(ctx context.Context) {
	lib.mx.Lock()
	defer lib.mx.Unlock()

	next, err := lib.playlist.Neighbor(1)
	if err != nil {
		lib.logger.Debug().Msg("playlist finished")
		return
	}
	if err = lib.playIndex(ctx, next); err != nil {
		lib.logger.Error().Err(err).Int("index", next).Msg("cannot play next song")
	}
}

func (lib *Library) Songs() []model.Song {
	return lib.store.Songs()
}

func (lib *Library) Song(id uuid.UUID) (model.Song, error) {
	song, err := lib.store.GetSong(id)
	if err != nil {
		return model.Song{}, errors.Join(ErrNotFound, err)
	}
	return song, nil
}

func (lib *Library) SongsByID(ids []uuid.UUID) ([]model.Song, error) {
	songs, err := lib.store.GetSongs(ids)
	if err != nil {
		return nil, errors.Join(ErrNotFound, err)
	}
	return songs, nil
}

func (lib *Library) CurrentPlaylist() model.PlaylistSnapshot {
	return lib.playlist.Snapshot()
}

// PlaylistEntry looks up an entry of the current playlist by identity.
func (lib *Library) PlaylistEntry(id uuid.UUID) (model.PlaylistEntry, error) {
	entry, ok := lib.playlist.Find(id)
	if !ok {
		return model.PlaylistEntry{}, fmt.Errorf("%w: playlist entry %s", ErrNotFound, id)
	}
	return entry, nil
}

// WatchPlaylist returns the current playlist version and a stream of the
// versions committed afterwards.
func (lib *Library) WatchPlaylist() (uint64, *feed.Subscription[uint64]) {
	return lib.playlist.WatchChanges()
}

// PlaylistContent is the playlist as shown to the holder of token.
func (lib *Library) PlaylistContent(token uuid.UUID) (model.PlaylistContent, error) {
	votes, err := lib.access.RemainingVotes(token)
	if err != nil {
		return model.PlaylistContent{}, err
	}
	return model.PlaylistContent{
		PlaylistSnapshot: lib.playlist.Snapshot(),
		RemainingVotes:   votes,
		PlaybackState:    lib.player.State(),
	}, nil
}

func (lib *Library) PlaybackState() model.PlaybackState {
	return lib.player.State()
}

func (lib *Library) WatchPlaybackState() (model.PlaybackState, *feed.Subscription[model.PlaybackState]) {
	return lib.player.WatchState()
}

func (lib *Library) Volume() float64 {
	return lib.player.Volume()
}

func (lib *Library) SetVolume(token uuid.UUID, v float64) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	if err := lib.player.SetVolume(v); err != nil {
		return errors.Join(ErrPlayback, err)
	}
	lib.logger.Debug().Float64("volume", v).Msg("volume changed")
	return nil
}

func (lib *Library) AddSongs(token uuid.UUID, songs ...model.Song) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	lib.playlist.Add(songs...)
	lib.logger.Debug().Int("songs", len(songs)).Msg("songs added to playlist")
	return nil
}

// PlayInstantly queues songs right after the playing entry and starts the
// first of them.
func (lib *Library) PlayInstantly(ctx context.Context, token uuid.UUID, songs ...model.Song) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	at, err := lib.playlist.InsertAfterCurrent(songs...)
	if err != nil {
		return errors.Join(ErrInvalidState, err)
	}
	return lib.playIndex(ctx, at)
}

func (lib *Library) PlaySong(ctx context.Context, token uuid.UUID, index int) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()
	return lib.playIndex(ctx, index)
}

// PlayEntry starts the entry with the given identity.
func (lib *Library) PlayEntry(ctx context.Context, token, entryID uuid.UUID) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	idx, err := lib.entryIndex(entryID)
	if err != nil {
		return err
	}
	return lib.playIndex(ctx, idx)
}

func (lib *Library) PlayNextSong(ctx context.Context, token uuid.UUID) error {
	return lib.playNeighbor(ctx, token, 1)
}

func (lib *Library) PlayPreviousSong(ctx context.Context, token uuid.UUID) error {
	return lib.playNeighbor(ctx, token, -1)
}

func (lib *Library) playNeighbor(ctx context.Context, token uuid.UUID, direction int) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	idx, err := lib.playlist.Neighbor(direction)
	if err != nil {
		return errors.Join(ErrInvalidState, err)
	}
	return lib.playIndex(ctx, idx)
}

// ContinueSong resumes a paused song, or restarts the playing entry when the
// player is not paused.
func (lib *Library) ContinueSong(ctx context.Context, token uuid.UUID) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	entry, ok := lib.playlist.Current()
	if !ok {
		return fmt.Errorf("%w: nothing to continue", ErrInvalidState)
	}
	switch lib.player.State() {
	case model.PlaybackStatePlaying:
		return nil
	case model.PlaybackStatePaused:
		if err := lib.player.Play(ctx); err != nil {
			return errors.Join(ErrPlayback, err)
		}
		return nil
	default:
		return lib.playIndex(ctx, entry.Index)
	}
}

func (lib *Library) PauseSong(ctx context.Context, token uuid.UUID) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	if lib.player.State() == model.PlaybackStateNone {
		return fmt.Errorf("%w: nothing to pause", ErrInvalidState)
	}
	if err := lib.player.Pause(ctx); err != nil {
		return errors.Join(ErrPlayback, err)
	}
	return nil
}

// RemoveFromPlaylist drops the entries at indices. Removing the playing
// entry stops playback and continues with the entry that took its place.
func (lib *Library) RemoveFromPlaylist(ctx context.Context, token uuid.UUID, indices ...int) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()
	return lib.remove(ctx, indices...)
}

// RemoveEntry is RemoveFromPlaylist for the entry with the given identity.
func (lib *Library) RemoveEntry(ctx context.Context, token, entryID uuid.UUID) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	idx, err := lib.entryIndex(entryID)
	if err != nil {
		return err
	}
	return lib.remove(ctx, idx)
}

// remove must be called with lib.mx held.
func (lib *Library) remove(ctx context.Context, indices ...int) error {
	wasPlaying := lib.player.State() == model.PlaybackStatePlaying
	removed, currentRemoved, err := lib.playlist.Remove(indices...)
	if err != nil {
		return errors.Join(ErrNotFound, err)
	}
	for _, id := range removed {
		lib.access.ForgetEntry(id)
	}
	if !currentRemoved {
		return nil
	}
	if err = lib.player.Stop(ctx); err != nil {
		return errors.Join(ErrPlayback, err)
	}
	entry, ok := lib.playlist.Current()
	switch {
	case !ok:
		return nil
	case wasPlaying:
		return lib.playIndex(ctx, entry.Index)
	default:
		if err = lib.player.Load(ctx, entry.Song); err != nil {
			return errors.Join(ErrPlayback, err)
		}
		return nil
	}
}

func (lib *Library) MovePlaylistSong(token uuid.UUID, from, to int) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	if err := lib.playlist.Move(from, to); err != nil {
		return errors.Join(ErrNotFound, err)
	}
	return nil
}

// MoveEntry shifts the entry with the given identity by offset positions.
func (lib *Library) MoveEntry(token, entryID uuid.UUID, offset int) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionAdmin); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	idx, err := lib.entryIndex(entryID)
	if err != nil {
		return err
	}
	if err = lib.playlist.Move(idx, idx+offset); err != nil {
		return errors.Join(ErrNotFound, err)
	}
	return nil
}

// VoteFor spends one vote of token on an upcoming playlist entry.
func (lib *Library) VoteFor(token, entryID uuid.UUID) error {
	if err := lib.access.CheckAuthorized(token, model.PermissionGuest); err != nil {
		return err
	}
	lib.mx.Lock()
	defer lib.mx.Unlock()

	err := lib.vote(token, entryID)
	switch {
	case err == nil:
		metrics.RecordVote("accepted")
	case errors.Is(err, ErrVotingDisabled):
		metrics.RecordVote("disabled")
	case errors.Is(err, ErrNotFound):
		metrics.RecordVote("not_found")
	default:
		metrics.RecordVote("rejected")
	}
	return err
}

func (lib *Library) vote(token, entryID uuid.UUID) error {
	votes, err := lib.access.RemainingVotes(token)
	if err != nil {
		return err
	}
	switch {
	case votes == nil:
		return ErrVotingDisabled
	case *votes <= 0:
		return fmt.Errorf("%w: %w", ErrVoteRejected, access.ErrNoVotesLeft)
	}

	entry, ok := lib.playlist.Find(entryID)
	if !ok {
		return fmt.Errorf("%w: playlist entry %s", ErrNotFound, entryID)
	}
	if lib.access.IsVoteRegistered(token, entryID) {
		return fmt.Errorf("%w: %w", ErrVoteRejected, access.ErrAlreadyVoted)
	}
	if cur := lib.playlist.CurrentIndex(); cur != nil && entry.Index <= *cur {
		return fmt.Errorf("%w: entry is not upcoming", ErrVoteRejected)
	}

	if err = lib.access.RegisterVote(token, entryID); err != nil {
		return fmt.Errorf("%w: %w", ErrVoteRejected, err)
	}
	idx, err := lib.playlist.Vote(entryID)
	if err != nil {
		// unreachable: the checks above ran under lib.mx
		return errors.Join(ErrInvalidState, err)
	}
	lib.logger.Debug().
		Str("token", token.String()).
		Str("entry", entryID.String()).
		Int("index", idx).
		Msg("vote registered")
	return nil
}

// ResetVotes gives every token its default vote budget back.
func (lib *Library) ResetVotes() {
	lib.access.ResetVotes()
}

// entryIndex must be called with lib.mx held.
func (lib *Library) entryIndex(id uuid.UUID) (int, error) {
	entry, ok := lib.playlist.Find(id)
	if !ok {
		return 0, fmt.Errorf("%w: playlist entry %s", ErrNotFound, id)
	}
	return entry.Index, nil
}

// playIndex must be called with lib.mx held.
func (lib *Library) playIndex(ctx context.Context, index int) error {
	entry, err := lib.playlist.SetCurrent(index)
	if err != nil {
		return errors.Join(ErrNotFound, err)
	}
	if err = lib.player.Load(ctx, entry.Song); err != nil {
		return errors.Join(ErrPlayback, err)
	}
	if err = lib.player.Play(ctx); err != nil {
		return errors.Join(ErrPlayback, err)
	}
	lib.logger.Debug().
		Int("index", index).
		Str("title", entry.Song.Title).
		Msg("playing playlist entry")
	return nil
}
