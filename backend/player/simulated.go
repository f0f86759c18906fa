// Package player provides an audio player that keeps playback state without
// producing sound. It stands in for real audio engines and drives the same
// state and song-finished notifications.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/jukebox-remote/backend/feed"
	"github.com/adwski/jukebox-remote/backend/model"
)

var (
	ErrNoSong        = errors.New("no song loaded")
	ErrInvalidVolume = errors.New("volume must be between 0 and 1")
	ErrSeekRange     = errors.New("seek position out of range")
)

const defaultVolume = 1.0

type (
	Config struct {
		Logger *zerolog.Logger

		// Realtime finishes songs after their duration elapsed while playing.
		// Without it songs finish only through Finish.
		Realtime bool
	}

	Simulated struct {
		logger   zerolog.Logger
		realtime bool

		mx       sync.Mutex
		song     *model.Song
		volume   float64
		position time.Duration
		started  time.Time
		timer    *time.Timer
		timerSeq uint64
		state    *feed.Feed[model.PlaybackState]
		finished chan struct{}
	}
)

func NewSimulated(cfg Config) *Simulated {
	return &Simulated{
		logger:   cfg.Logger.With().Str("component", "player").Logger(),
		realtime: cfg.Realtime,
		volume:   defaultVolume,
		state:    feed.New(model.PlaybackStateNone),
		finished: make(chan struct{}, 1),
	}
}

func (p *Simulated) Load(_ context.Context, song model.Song) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.stopTimer()
	p.song = &song
	p.position = 0
	p.setState(model.PlaybackStateStopped)
	p.logger.Debug().Str("song", song.ID.String()).Str("title", song.Title).Msg("song loaded")
	return nil
}

func (p *Simulated) Play(_ context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.song == nil {
		return ErrNoSong
	}
	if p.state.Value() == model.PlaybackStatePlaying {
		return nil
	}
	if p.state.Value() == model.PlaybackStateFinished {
		p.position = 0
	}
	p.started = time.Now()
	if p.realtime && p.song.Duration > 0 {
		p.startTimer(p.song.Duration - p.position)
	}
	p.setState(model.PlaybackStatePlaying)
	return nil
}

func (p *Simulated) Pause(_ context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.song == nil {
		return ErrNoSong
	}
	if p.state.Value() != model.PlaybackStatePlaying {
		return nil
	}
	p.position = p.elapsed()
	p.stopTimer()
	p.setState(model.PlaybackStatePaused)
	return nil
}

func (p *Simulated) Stop(_ context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	p.stopTimer()
	p.position = 0
	if p.song != nil {
		p.setState(model.PlaybackStateStopped)
	}
	return nil
}

func (p *Simulated) Seek(_ context.Context, pos time.Duration) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.song == nil {
		return ErrNoSong
	}
	if pos < 0 || (p.song.Duration > 0 && pos > p.song.Duration) {
		return fmt.Errorf("%w: %s", ErrSeekRange, pos)
	}
	p.position = pos
	if p.state.Value() == model.PlaybackStatePlaying {
		p.started = time.Now()
		if p.timer != nil {
			p.stopTimer()
			p.startTimer(p.song.Duration - pos)
		}
	}
	return nil
}

func (p *Simulated) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return ErrInvalidVolume
	}
	p.mx.Lock()
	p.volume = v
	p.mx.Unlock()
	return nil
}

func (p *Simulated) Volume() float64 {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.volume
}

func (p *Simulated) Position() time.Duration {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.state.Value() == model.PlaybackStatePlaying {
		return p.elapsed()
	}
	return p.position
}

func (p *Simulated) State() model.PlaybackState {
	return p.state.Value()
}

func (p *Simulated) WatchState() (model.PlaybackState, *feed.Subscription[model.PlaybackState]) {
	return p.state.Watch()
}

// SongFinished signals once per song that played to its end.
func (p *Simulated) SongFinished() <-chan struct{} {
	return p.finished
}

// Finish ends the loaded song as if it played to its end.
func (p *Simulated) Finish() {
	p.finish(0)
}

// finish ignores timers other than the armed one. Zero always matches.
func (p *Simulated) finish(seq uint64) {
	p.mx.Lock()
	if (seq != 0 && seq != p.timerSeq) || p.song == nil || p.state.Value() != model.PlaybackStatePlaying {
		p.mx.Unlock()
		return
	}
	p.stopTimer()
	p.position = p.song.Duration
	p.setState(model.PlaybackStateFinished)
	p.mx.Unlock()

	select {
	case p.finished <- struct{}{}:
	default:
	}
}

func (p *Simulated) elapsed() time.Duration {
	return p.position + time.Since(p.started)
}

// startTimer must be called with p.mx held.
func (p *Simulated) startTimer(d time.Duration) {
	p.timerSeq++
	seq := p.timerSeq
	p.timer = time.AfterFunc(d, func() { p.finish(seq) })
}

func (p *Simulated) stopTimer() {
	p.timerSeq++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Simulated) setState(s model.PlaybackState) {
	if p.state.Value() != s {
		p.state.Publish(s)
	}
}
