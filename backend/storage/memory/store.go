package memory

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/adwski/jukebox-remote/backend/model"
)

var (
	ErrSongNotFound = errors.New("song is not found")
	ErrSongExists   = errors.New("song already exists")
)

// MemStore keeps the song library in memory, in insertion order.
type MemStore struct {
	mx    *sync.RWMutex
	db    map[uuid.UUID]model.Song
	order []uuid.UUID
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.RWMutex{},
		db: make(map[uuid.UUID]model.Song),
	}
}

// AddSong stores song, assigning an identity when it has none.
func (ms *MemStore) AddSong(song model.Song) (model.Song, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if song.ID == uuid.Nil {
		song.ID = uuid.New()
	}
	if _, ok := ms.db[song.ID]; ok {
		return model.Song{}, ErrSongExists
	}
	if song.Source == "" {
		song.Source = model.SongSourceLocal
	}
	ms.db[song.ID] = song
	ms.order = append(ms.order, song.ID)
	return song, nil
}

func (ms *MemStore) GetSong(id uuid.UUID) (model.Song, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	song, ok := ms.db[id]
	if !ok {
		return model.Song{}, ErrSongNotFound
	}
	return song, nil
}

// GetSongs resolves every id or fails with ErrSongNotFound.
func (ms *MemStore) GetSongs(ids []uuid.UUID) ([]model.Song, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	out := make([]model.Song, 0, len(ids))
	for _, id := range ids {
		song, ok := ms.db[id]
		if !ok {
			return nil, ErrSongNotFound
		}
		out = append(out, song)
	}
	return out, nil
}

// Songs lists the library sorted by artist, album and title.
func (ms *MemStore) Songs() []model.Song {
	ms.mx.RLock()
	out := make([]model.Song, 0, len(ms.order))
	for _, id := range ms.order {
		out = append(out, ms.db[id])
	}
	ms.mx.RUnlock()

	slices.SortStableFunc(out, func(a, b model.Song) int {
		if c := strings.Compare(a.Artist, b.Artist); c != 0 {
			return c
		}
		if c := strings.Compare(a.Album, b.Album); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})
	return out
}

func (ms *MemStore) Len() int {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return len(ms.db)
}
