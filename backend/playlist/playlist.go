// Package playlist holds the ordered song queue shared by the host and the
// remote clients.
//
// Entries keep a stable identity while their position is derived from the
// current order, so indices always form a dense 0..N-1 range. The playing
// pointer follows the identity of the playing entry across reorders.
package playlist

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/adwski/jukebox-remote/backend/feed"
	"github.com/adwski/jukebox-remote/backend/model"
)

var (
	ErrNotFound     = errors.New("playlist entry not found")
	ErrInvalidState = errors.New("invalid playlist state")
)

type entry struct {
	id    uuid.UUID
	song  model.Song
	votes int
}

type Playlist struct {
	mx      sync.RWMutex
	name    string
	entries []*entry
	current *entry
	version uint64
	changes *feed.Feed[uint64]
}

func New(name string) *Playlist {
	return &Playlist{
		name:    name,
		changes: feed.New[uint64](0),
	}
}

// Changes emits the playlist version after every committed mutation:
// structure, votes or the playing pointer.
func (p *Playlist) Changes() *feed.Subscription[uint64] {
	return p.changes.Subscribe()
}

// WatchChanges is Changes without the initial version in the stream.
func (p *Playlist) WatchChanges() (uint64, *feed.Subscription[uint64]) {
	return p.changes.Watch()
}

func (p *Playlist) Len() int {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return len(p.entries)
}

// Add appends songs and returns the identities of the new entries.
func (p *Playlist) Add(songs ...model.Song) []uuid.UUID {
	if len(songs) == 0 {
		return nil
	}
	p.mx.Lock()
	defer p.mx.Unlock()

	ids := make([]uuid.UUID, 0, len(songs))
	for _, song := range songs {
		e := &entry{id: uuid.New(), song: song}
		p.entries = append(p.entries, e)
		ids = append(ids, e.id)
	}
	p.commit()
	return ids
}

// InsertAfterCurrent places songs right after the playing entry, or at the
// end when nothing is playing, and returns the index of the first one.
func (p *Playlist) InsertAfterCurrent(songs ...model.Song) (int, error) {
	if len(songs) == 0 {
		return 0, fmt.Errorf("%w: nothing to insert", ErrInvalidState)
	}
	p.mx.Lock()
	defer p.mx.Unlock()

	at := len(p.entries)
	if p.current != nil {
		at = p.indexOf(p.current) + 1
	}
	inserted := make([]*entry, 0, len(songs))
	for _, song := range songs {
		inserted = append(inserted, &entry{id: uuid.New(), song: song})
	}
	p.entries = slices.Insert(p.entries, at, inserted...)
	p.commit()
	return at, nil
}

// Move takes the entry at from and puts it at to.
func (p *Playlist) Move(from, to int) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if !p.inRange(from) || !p.inRange(to) {
		return fmt.Errorf("%w: move %d -> %d of %d", ErrNotFound, from, to, len(p.entries))
	}
	if from == to {
		return nil
	}
	e := p.entries[from]
	p.entries = slices.Delete(p.entries, from, from+1)
	p.entries = slices.Insert(p.entries, to, e)
	p.commit()
	return nil
}

// Remove deletes the entries at indices. When the playing entry is among
// them the pointer moves to the first surviving entry after it, or clears.
func (p *Playlist) Remove(indices ...int) (removed []uuid.UUID, currentRemoved bool, err error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	drop := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if !p.inRange(idx) {
			return nil, false, fmt.Errorf("%w: index %d of %d", ErrNotFound, idx, len(p.entries))
		}
		drop[idx] = struct{}{}
	}
	if len(drop) == 0 {
		return nil, false, nil
	}

	curIdx := -1
	if p.current != nil {
		curIdx = p.indexOf(p.current)
	}
	var (
		kept       = make([]*entry, 0, len(p.entries)-len(drop))
		newCurrent = p.current
	)
	for i, e := range p.entries {
		if _, ok := drop[i]; ok {
			removed = append(removed, e.id)
			if i == curIdx {
				currentRemoved = true
				newCurrent = nil
			}
			continue
		}
		if currentRemoved && newCurrent == nil && i > curIdx {
			newCurrent = e
		}
		kept = append(kept, e)
	}
	p.entries = kept
	p.current = newCurrent
	p.commit()
	return removed, currentRemoved, nil
}

// Vote adds one vote to the entry and moves it ahead of upcoming entries
// with fewer votes. Entries with equal votes keep their relative order, and
// nothing at or before the playing entry moves. Returns the new index.
func (p *Playlist) Vote(id uuid.UUID) (int, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	idx := p.indexByID(id)
	if idx < 0 {
		return 0, ErrNotFound
	}
	start := 0
	if p.current != nil {
		start = p.indexOf(p.current) + 1
	}
	if idx < start {
		return 0, fmt.Errorf("%w: entry %d is not upcoming", ErrInvalidState, idx)
	}

	e := p.entries[idx]
	e.votes++
	for j := start; j < idx; j++ {
		if p.entries[j].votes < e.votes {
			p.entries = slices.Delete(p.entries, idx, idx+1)
			p.entries = slices.Insert(p.entries, j, e)
			idx = j
			break
		}
	}
	p.commit()
	return idx, nil
}

// SetCurrent points the playing pointer at index.
func (p *Playlist) SetCurrent(index int) (model.PlaylistEntry, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	if !p.inRange(index) {
		return model.PlaylistEntry{}, fmt.Errorf("%w: index %d of %d", ErrNotFound, index, len(p.entries))
	}
	e := p.entries[index]
	if p.current != e {
		p.current = e
		p.commit()
	}
	return p.view(index), nil
}

func (p *Playlist) CurrentIndex() *int {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.currentIndex()
}

func (p *Playlist) Current() (model.PlaylistEntry, bool) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.current == nil {
		return model.PlaylistEntry{}, false
	}
	return p.view(p.indexOf(p.current)), true
}

// Neighbor returns the index next to the playing entry in direction
// (+1 or -1).
func (p *Playlist) Neighbor(direction int) (int, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()

	if p.current == nil {
		return 0, fmt.Errorf("%w: nothing is playing", ErrInvalidState)
	}
	idx := p.indexOf(p.current) + direction
	if !p.inRange(idx) {
		return 0, fmt.Errorf("%w: no entry at %d", ErrInvalidState, idx)
	}
	return idx, nil
}

func (p *Playlist) Find(id uuid.UUID) (model.PlaylistEntry, bool) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	idx := p.indexByID(id)
	if idx < 0 {
		return model.PlaylistEntry{}, false
	}
	return p.view(idx), true
}

func (p *Playlist) Entry(index int) (model.PlaylistEntry, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if !p.inRange(index) {
		return model.PlaylistEntry{}, fmt.Errorf("%w: index %d of %d", ErrNotFound, index, len(p.entries))
	}
	return p.view(index), nil
}

func (p *Playlist) Snapshot() model.PlaylistSnapshot {
	p.mx.RLock()
	defer p.mx.RUnlock()

	snap := model.PlaylistSnapshot{
		Name:         p.name,
		Version:      p.version,
		CurrentIndex: p.currentIndex(),
		Entries:      make([]model.PlaylistEntry, len(p.entries)),
	}
	for i := range p.entries {
		snap.Entries[i] = p.view(i)
	}
	return snap
}

// commit must be called with the write lock held.
func (p *Playlist) commit() {
	p.version++
	p.changes.Publish(p.version)
}

func (p *Playlist) view(index int) model.PlaylistEntry {
	e := p.entries[index]
	return model.PlaylistEntry{
		ID:    e.id,
		Index: index,
		Song:  e.song,
		Votes: e.votes,
	}
}

func (p *Playlist) currentIndex() *int {
	if p.current == nil {
		return nil
	}
	idx := p.indexOf(p.current)
	return &idx
}

func (p *Playlist) inRange(index int) bool {
	return index >= 0 && index < len(p.entries)
}

func (p *Playlist) indexOf(e *entry) int {
	return slices.Index(p.entries, e)
}

func (p *Playlist) indexByID(id uuid.UUID) int {
	return slices.IndexFunc(p.entries, func(e *entry) bool { return e.id == id })
}
