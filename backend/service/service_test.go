package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/adwski/jukebox-remote/backend/access"
	"github.com/adwski/jukebox-remote/backend/model"
	"github.com/adwski/jukebox-remote/backend/player"
	store "github.com/adwski/jukebox-remote/backend/storage/memory"
)

type fixture struct {
	lib    *Library
	ac     *access.Control
	player *player.Simulated
	admin  uuid.UUID
	guest  uuid.UUID
	songs  []model.Song
}

func newFixture(t *testing.T, votes *int) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	ac, err := access.NewControl(access.Config{
		Logger:        &logger,
		AdminPassword: "secret",
		VotesPerGuest: votes,
		HashCost:      bcrypt.MinCost,
	})
	require.NoError(t, err)

	ms := store.NewMemStore()
	var songs []model.Song
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		song, err := ms.AddSong(model.Song{Title: title, Duration: time.Minute})
		require.NoError(t, err)
		songs = append(songs, song)
	}

	pl := player.NewSimulated(player.Config{Logger: &logger})
	lib := NewLibrary(Config{
		SongStore:     ms,
		Player:        pl,
		AccessControl: ac,
		PlaylistName:  "test",
		Logger:        &logger,
	})
	return &fixture{
		lib:    lib,
		ac:     ac,
		player: pl,
		admin:  ac.RegisterLocalToken(),
		guest:  ac.RegisterToken(uuid.New()),
		songs:  songs,
	}
}

func intPtr(v int) *int { return &v }

func (f *fixture) entryIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, e := range f.lib.CurrentPlaylist().Entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func (f *fixture) remainingVotes(t *testing.T) *int {
	t.Helper()
	rv, err := f.ac.RemainingVotes(f.guest)
	require.NoError(t, err)
	return rv
}

func TestVoteFor_BudgetAndDuplicates(t *testing.T) {
	f := newFixture(t, intPtr(2))
	ctx := context.Background()
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs...))
	require.NoError(t, f.lib.PlaySong(ctx, f.admin, 0))
	ids := f.entryIDs()

	require.NoError(t, f.lib.VoteFor(f.guest, ids[3]))
	assert.Equal(t, 1, *f.remainingVotes(t))

	require.ErrorIs(t, f.lib.VoteFor(f.guest, ids[3]), ErrVoteRejected)
	assert.Equal(t, 1, *f.remainingVotes(t))

	require.NoError(t, f.lib.VoteFor(f.guest, ids[4]))
	assert.Equal(t, 0, *f.remainingVotes(t))

	require.ErrorIs(t, f.lib.VoteFor(f.guest, ids[2]), ErrVoteRejected)
	assert.Equal(t, 0, *f.remainingVotes(t))
}

func TestVoteFor_PastOrPlayingEntryRejected(t *testing.T) {
	f := newFixture(t, intPtr(5))
	ctx := context.Background()
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs...))
	require.NoError(t, f.lib.PlaySong(ctx, f.admin, 2))
	ids := f.entryIDs()

	for _, id := range ids[:3] {
		require.ErrorIs(t, f.lib.VoteFor(f.guest, id), ErrVoteRejected)
	}
	assert.Equal(t, 5, *f.remainingVotes(t))
	require.NoError(t, f.lib.VoteFor(f.guest, ids[3]))
}

func TestVoteFor_DisabledAndNotFound(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs...))
	require.ErrorIs(t, f.lib.VoteFor(f.guest, f.entryIDs()[1]), ErrVotingDisabled)

	g := newFixture(t, intPtr(1))
	require.ErrorIs(t, g.lib.VoteFor(g.guest, uuid.New()), ErrNotFound)
	require.ErrorIs(t, g.lib.VoteFor(uuid.New(), uuid.New()), access.ErrUnauthorized)
}

func TestVoteFor_ReordersUpcoming(t *testing.T) {
	f := newFixture(t, intPtr(1))
	ctx := context.Background()
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs...))
	require.NoError(t, f.lib.PlaySong(ctx, f.admin, 0))
	ids := f.entryIDs()

	require.NoError(t, f.lib.VoteFor(f.guest, ids[4]))
	entry, err := f.lib.PlaylistEntry(ids[4])
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Index)
	assert.Equal(t, 1, entry.Votes)
}

func TestVoteFor_ConcurrentDistinctTokens(t *testing.T) {
	f := newFixture(t, intPtr(1))
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs...))
	ids := f.entryIDs()
	other := f.ac.RegisterToken(uuid.New())

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = f.lib.VoteFor(f.guest, ids[1])
	}()
	go func() {
		defer wg.Done()
		errs[1] = f.lib.VoteFor(other, ids[3])
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	e1, _ := f.lib.PlaylistEntry(ids[1])
	e3, _ := f.lib.PlaylistEntry(ids[3])
	assert.Equal(t, 1, e1.Votes)
	assert.Equal(t, 1, e3.Votes)
}

func TestGuest_AdminActionsUnauthorizedWithoutMutation(t *testing.T) {
	f := newFixture(t, intPtr(1))
	ctx := context.Background()
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs[:3]...))
	require.NoError(t, f.lib.SetVolume(f.admin, 0.5))

	before := f.lib.CurrentPlaylist()
	actions := map[string]func() error{
		"add":      func() error { return f.lib.AddSongs(f.guest, f.songs[3]) },
		"now":      func() error { return f.lib.PlayInstantly(ctx, f.guest, f.songs[4]) },
		"play":     func() error { return f.lib.PlaySong(ctx, f.guest, 0) },
		"continue": func() error { return f.lib.ContinueSong(ctx, f.guest) },
		"pause":    func() error { return f.lib.PauseSong(ctx, f.guest) },
		"next":     func() error { return f.lib.PlayNextSong(ctx, f.guest) },
		"previous": func() error { return f.lib.PlayPreviousSong(ctx, f.guest) },
		"remove":   func() error { return f.lib.RemoveFromPlaylist(ctx, f.guest, 0) },
		"move":     func() error { return f.lib.MovePlaylistSong(f.guest, 0, 1) },
		"play id":  func() error { return f.lib.PlayEntry(ctx, f.guest, before.Entries[1].ID) },
		"rm id":    func() error { return f.lib.RemoveEntry(ctx, f.guest, before.Entries[1].ID) },
		"move id":  func() error { return f.lib.MoveEntry(f.guest, before.Entries[1].ID, 1) },
		"volume":   func() error { return f.lib.SetVolume(f.guest, 0.1) },
	}
	for name, action := range actions {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, action(), access.ErrUnauthorized)
		})
	}

	assert.Equal(t, before, f.lib.CurrentPlaylist())
	assert.Equal(t, 0.5, f.lib.Volume())
	assert.Equal(t, model.PlaybackStateNone, f.lib.PlaybackState())
	perm, _ := f.ac.Permission(f.guest)
	assert.Equal(t, model.PermissionGuest, perm)
}

func TestPlayInstantly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs[:3]...))
	require.NoError(t, f.lib.PlaySong(ctx, f.admin, 0))

	require.NoError(t, f.lib.PlayInstantly(ctx, f.admin, f.songs[3], f.songs[4]))
	snap := f.lib.CurrentPlaylist()
	require.NotNil(t, snap.CurrentIndex)
	assert.Equal(t, 1, *snap.CurrentIndex)
	assert.Equal(t, "d", snap.Entries[1].Song.Title)
	assert.Equal(t, "e", snap.Entries[2].Song.Title)
	assert.Equal(t, model.PlaybackStatePlaying, f.lib.PlaybackState())
}

func TestTransport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, f.lib.PlayNextSong(ctx, f.admin), ErrInvalidState)
	require.ErrorIs(t, f.lib.ContinueSong(ctx, f.admin), ErrInvalidState)
	require.ErrorIs(t, f.lib.PauseSong(ctx, f.admin), ErrInvalidState)

	require.NoError(t, f.lib.AddSongs(f.admin, f.songs[:2]...))
	require.ErrorIs(t, f.lib.PlaySong(ctx, f.admin, 7), ErrNotFound)
	require.NoError(t, f.lib.PlaySong(ctx, f.admin, 0))
	require.ErrorIs(t, f.lib.PlayPreviousSong(ctx, f.admin), ErrInvalidState)

	require.NoError(t, f.lib.PauseSong(ctx, f.admin))
	assert.Equal(t, model.PlaybackStatePaused, f.lib.PlaybackState())
	require.NoError(t, f.lib.ContinueSong(ctx, f.admin))
	assert.Equal(t, model.PlaybackStatePlaying, f.lib.PlaybackState())

	require.NoError(t, f.lib.PlayNextSong(ctx, f.admin))
	assert.Equal(t, 1, *f.lib.CurrentPlaylist().CurrentIndex)
	require.ErrorIs(t, f.lib.PlayNextSong(ctx, f.admin), ErrInvalidState)
	require.NoError(t, f.lib.PlayPreviousSong(ctx, f.admin))
	assert.Equal(t, 0, *f.lib.CurrentPlaylist().CurrentIndex)
}

func TestRemoveFromPlaylist_PlayingEntry(t *testing.T) {
	f := newFixture(t, intPtr(3))
	ctx := context.Background()
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs[:3]...))
	require.NoError(t, f.lib.PlaySong(ctx, f.admin, 0))
	ids := f.entryIDs()
	require.NoError(t, f.lib.VoteFor(f.guest, ids[2]))
	require.True(t, f.ac.IsVoteRegistered(f.guest, ids[2]))

	require.NoError(t, f.lib.RemoveFromPlaylist(ctx, f.admin, 0))
	snap := f.lib.CurrentPlaylist()
	require.Len(t, snap.Entries, 2)
	require.NotNil(t, snap.CurrentIndex)
	assert.Equal(t, 0, *snap.CurrentIndex)
	assert.Equal(t, model.PlaybackStatePlaying, f.lib.PlaybackState())

	// the voted entry moved ahead and is now the playing one
	assert.Equal(t, ids[2], snap.Entries[0].ID)
	require.NoError(t, f.lib.RemoveFromPlaylist(ctx, f.admin, 0))
	assert.False(t, f.ac.IsVoteRegistered(f.guest, ids[2]))
	assert.Equal(t, ids[1], f.lib.CurrentPlaylist().Entries[0].ID)

	require.ErrorIs(t, f.lib.RemoveFromPlaylist(ctx, f.admin, 5), ErrNotFound)
	require.ErrorIs(t, f.lib.MovePlaylistSong(f.admin, 0, 3), ErrNotFound)
}

func TestEntryOperations_ResolveIdentityUnderLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	other := f.ac.RegisterLocalToken()
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs[:4]...))
	ids := f.entryIDs()

	// the other admin drops the head after ids[2] was picked at index 2
	require.NoError(t, f.lib.RemoveFromPlaylist(ctx, other, 0))
	require.NoError(t, f.lib.RemoveEntry(ctx, f.admin, ids[2]))
	assert.Equal(t, []uuid.UUID{ids[1], ids[3]}, f.entryIDs())

	require.NoError(t, f.lib.MoveEntry(f.admin, ids[1], 1))
	assert.Equal(t, []uuid.UUID{ids[3], ids[1]}, f.entryIDs())
	require.ErrorIs(t, f.lib.MoveEntry(f.admin, ids[1], 1), ErrNotFound)

	require.NoError(t, f.lib.RemoveFromPlaylist(ctx, other, 0))
	require.NoError(t, f.lib.PlayEntry(ctx, f.admin, ids[1]))
	entry, err := f.lib.PlaylistEntry(ids[1])
	require.NoError(t, err)
	assert.Equal(t, 0, entry.Index)
	assert.Equal(t, &entry.Index, f.lib.CurrentPlaylist().CurrentIndex)

	for _, err = range []error{
		f.lib.PlayEntry(ctx, f.admin, ids[0]),
		f.lib.RemoveEntry(ctx, f.admin, ids[2]),
		f.lib.MoveEntry(f.admin, uuid.New(), 1),
	} {
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestConcurrentEdits_KeepIndicesDenseAndHitNamedEntries(t *testing.T) {
	const workers = 8
	f := newFixture(t, intPtr(workers))
	ctx := context.Background()

	checkDense := func(snap model.PlaylistSnapshot) {
		seen := make(map[uuid.UUID]struct{}, len(snap.Entries))
		for i, e := range snap.Entries {
			assert.Equal(t, i, e.Index)
			_, dup := seen[e.ID]
			assert.False(t, dup, "duplicate entry %s", e.ID)
			seen[e.ID] = struct{}{}
		}
		if snap.CurrentIndex != nil {
			assert.Less(t, *snap.CurrentIndex, len(snap.Entries))
		}
	}
	entryOf := func(songID uuid.UUID) uuid.UUID {
		for _, e := range f.lib.CurrentPlaylist().Entries {
			if e.Song.ID == songID {
				return e.ID
			}
		}
		return uuid.Nil
	}

	var (
		wg      sync.WaitGroup
		done    = make(chan struct{})
		checked = make(chan struct{})
		kept    = make([][]uuid.UUID, workers)
	)
	go func() {
		defer close(checked)
		for {
			select {
			case <-done:
				return
			default:
				checkDense(f.lib.CurrentPlaylist())
			}
		}
	}()

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			admin := f.ac.RegisterLocalToken()
			guest := f.ac.RegisterToken(uuid.New())

			songs := make([]model.Song, 4)
			for i := range songs {
				songs[i] = model.Song{ID: uuid.New(), Title: "song", Duration: time.Minute}
			}
			if !assert.NoError(t, f.lib.AddSongs(admin, songs[:3]...)) {
				return
			}
			ids := make([]uuid.UUID, 3)
			for i := range ids {
				ids[i] = entryOf(songs[i].ID)
				assert.NotEqual(t, uuid.Nil, ids[i])
			}

			assert.NoError(t, f.lib.PlayInstantly(ctx, admin, songs[3]))
			inserted := entryOf(songs[3].ID)
			assert.NoError(t, f.lib.RemoveEntry(ctx, admin, inserted))

			assert.NoError(t, f.lib.PlayEntry(ctx, admin, ids[1]))
			if err := f.lib.MoveEntry(admin, ids[2], -1); err != nil {
				assert.ErrorIs(t, err, ErrNotFound)
			}
			if err := f.lib.VoteFor(guest, ids[2]); err != nil {
				assert.ErrorIs(t, err, ErrVoteRejected)
			}

			assert.NoError(t, f.lib.RemoveEntry(ctx, admin, ids[0]))
			_, err := f.lib.PlaylistEntry(ids[0])
			assert.ErrorIs(t, err, ErrNotFound)
			for _, id := range ids[1:] {
				entry, err := f.lib.PlaylistEntry(id)
				if assert.NoError(t, err) {
					assert.Contains(t, songs, entry.Song)
				}
			}
			kept[w] = ids[1:]
		}()
	}
	wg.Wait()
	close(done)
	<-checked

	snap := f.lib.CurrentPlaylist()
	checkDense(snap)
	require.Len(t, snap.Entries, 2*workers)
	for _, ids := range kept {
		for _, id := range ids {
			_, err := f.lib.PlaylistEntry(id)
			assert.NoError(t, err)
		}
	}
}

func TestRun_AdvancesOnSongFinished(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go f.lib.Run(ctx, wg)
	defer func() {
		cancel()
		wg.Wait()
	}()

	require.NoError(t, f.lib.AddSongs(f.admin, f.songs[:2]...))
	require.NoError(t, f.lib.PlaySong(ctx, f.admin, 0))
	f.player.Finish()

	require.Eventually(t, func() bool {
		cur := f.lib.CurrentPlaylist().CurrentIndex
		return cur != nil && *cur == 1 && f.lib.PlaybackState() == model.PlaybackStatePlaying
	}, time.Second, 10*time.Millisecond)
}

func TestPlaylistContent(t *testing.T) {
	f := newFixture(t, intPtr(4))
	require.NoError(t, f.lib.AddSongs(f.admin, f.songs[:1]...))

	content, err := f.lib.PlaylistContent(f.guest)
	require.NoError(t, err)
	assert.Equal(t, "test", content.Name)
	assert.Len(t, content.Entries, 1)
	assert.Equal(t, 4, *content.RemainingVotes)
	assert.Equal(t, model.PlaybackStateNone, content.PlaybackState)

	_, err = f.lib.PlaylistContent(uuid.New())
	require.ErrorIs(t, err, access.ErrUnknownToken)
}
