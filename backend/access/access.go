// Package access issues remote access tokens and tracks their permission and
// vote budget.
package access

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/adwski/jukebox-remote/backend/feed"
	"github.com/adwski/jukebox-remote/backend/model"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrWrongPassword  = errors.New("wrong password")
	ErrUnknownToken   = errors.New("unknown access token")
	ErrVotingDisabled = errors.New("voting is disabled")
	ErrNoVotesLeft    = errors.New("no votes left")
	ErrAlreadyVoted   = errors.New("vote already registered")
)

type (
	Config struct {
		Logger *zerolog.Logger

		// AdminPassword upgrades remote tokens to admin. Empty means no remote
		// token can become admin.
		AdminPassword string

		// VotesPerGuest is the budget every new token starts with; nil
		// disables voting altogether.
		VotesPerGuest *int

		// HashCost is the bcrypt cost used for the admin password,
		// bcrypt.DefaultCost when zero.
		HashCost int
	}

	Control struct {
		logger       zerolog.Logger
		mx           sync.RWMutex
		adminHash    []byte
		defaultVotes *int
		tokens       map[uuid.UUID]*tokenState
	}

	tokenState struct {
		deviceID   uuid.UUID
		local      bool
		permission *feed.Feed[model.Permission]
		votes      *feed.Feed[*int]
		voted      map[uuid.UUID]struct{}
	}
)

func NewControl(cfg Config) (*Control, error) {
	ac := &Control{
		logger: cfg.Logger.With().Str("component", "access-control").Logger(),
		tokens: make(map[uuid.UUID]*tokenState),
	}
	if cfg.VotesPerGuest != nil {
		ac.defaultVotes = intPtr(max(*cfg.VotesPerGuest, 0))
	}
	if cfg.AdminPassword != "" {
		cost := cfg.HashCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), cost)
		if err != nil {
			return nil, errors.Join(errors.New("cannot hash admin password"), err)
		}
		ac.adminHash = hash
	}
	return ac, nil
}

// RegisterToken issues a fresh guest token for a remote device.
func (ac *Control) RegisterToken(deviceID uuid.UUID) uuid.UUID {
	return ac.register(deviceID, model.PermissionGuest, false)
}

// RegisterLocalToken issues an admin token for the host itself.
func (ac *Control) RegisterLocalToken() uuid.UUID {
	return ac.register(uuid.Nil, model.PermissionAdmin, true)
}

func (ac *Control) register(deviceID uuid.UUID, perm model.Permission, local bool) uuid.UUID {
	token := uuid.New()
	state := &tokenState{
		deviceID:   deviceID,
		local:      local,
		permission: feed.New(perm),
		votes:      feed.New(copyInt(ac.defaultVotes)),
		voted:      make(map[uuid.UUID]struct{}),
	}

	ac.mx.Lock()
	ac.tokens[token] = state
	ac.mx.Unlock()

	ac.logger.Debug().
		Str("token", token.String()).
		Str("deviceID", deviceID.String()).
		Bool("local", local).
		Msg("access token registered")
	return token
}

// Release destroys the token and completes its feeds.
func (ac *Control) Release(token uuid.UUID) {
	ac.mx.Lock()
	state, ok := ac.tokens[token]
	delete(ac.tokens, token)
	ac.mx.Unlock()
	if !ok {
		return
	}
	state.permission.Close()
	state.votes.Close()
	ac.logger.Debug().Str("token", token.String()).Msg("access token released")
}

func (ac *Control) UpgradeToAdmin(token uuid.UUID, password string) error {
	state, err := ac.state(token)
	if err != nil {
		return err
	}
	if ac.adminHash == nil {
		return ErrWrongPassword
	}
	if err = bcrypt.CompareHashAndPassword(ac.adminHash, []byte(password)); err != nil {
		ac.logger.Warn().Str("token", token.String()).Msg("admin upgrade with wrong password")
		return ErrWrongPassword
	}
	if state.permission.Value() != model.PermissionAdmin {
		state.permission.Publish(model.PermissionAdmin)
		ac.logger.Info().Str("token", token.String()).Msg("access token upgraded to admin")
	}
	return nil
}

func (ac *Control) CheckAuthorized(token uuid.UUID, required model.Permission) error {
	state, err := ac.state(token)
	if err != nil {
		return errors.Join(ErrUnauthorized, err)
	}
	if !state.permission.Value().Covers(required) {
		return ErrUnauthorized
	}
	return nil
}

func (ac *Control) Permission(token uuid.UUID) (model.Permission, error) {
	state, err := ac.state(token)
	if err != nil {
		return "", err
	}
	return state.permission.Value(), nil
}

// RemainingVotes returns the vote budget of token; nil means voting is off.
func (ac *Control) RemainingVotes(token uuid.UUID) (*int, error) {
	state, err := ac.state(token)
	if err != nil {
		return nil, err
	}
	ac.mx.RLock()
	defer ac.mx.RUnlock()
	return copyInt(state.votes.Value()), nil
}

// ObservePermission emits the current permission, then every change, until
// the token is released.
func (ac *Control) ObservePermission(token uuid.UUID) (*feed.Subscription[model.Permission], error) {
	state, err := ac.state(token)
	if err != nil {
		return nil, err
	}
	return state.permission.Subscribe(), nil
}

// WatchPermission is ObservePermission with the current value returned
// separately from the change stream.
func (ac *Control) WatchPermission(token uuid.UUID) (model.Permission, *feed.Subscription[model.Permission], error) {
	state, err := ac.state(token)
	if err != nil {
		return "", nil, err
	}
	perm, sub := state.permission.Watch()
	return perm, sub, nil
}

// ObserveRemainingVotes emits the current vote budget, then every change.
// Published pointers are never mutated.
func (ac *Control) ObserveRemainingVotes(token uuid.UUID) (*feed.Subscription[*int], error) {
	state, err := ac.state(token)
	if err != nil {
		return nil, err
	}
	return state.votes.Subscribe(), nil
}

func (ac *Control) WatchRemainingVotes(token uuid.UUID) (*int, *feed.Subscription[*int], error) {
	state, err := ac.state(token)
	if err != nil {
		return nil, nil, err
	}
	votes, sub := state.votes.Watch()
	return copyInt(votes), sub, nil
}

func (ac *Control) IsVoteRegistered(token, entryID uuid.UUID) bool {
	ac.mx.RLock()
	defer ac.mx.RUnlock()
	state, ok := ac.tokens[token]
	if !ok {
		return false
	}
	_, voted := state.voted[entryID]
	return voted
}

// RegisterVote records a vote of token for entryID and spends one vote from
// its budget. The check and the update happen atomically.
func (ac *Control) RegisterVote(token, entryID uuid.UUID) error {
	ac.mx.Lock()
	defer ac.mx.Unlock()

	state, ok := ac.tokens[token]
	if !ok {
		return ErrUnknownToken
	}
	votes := state.votes.Value()
	switch {
	case votes == nil:
		return ErrVotingDisabled
	case *votes <= 0:
		return ErrNoVotesLeft
	}
	if _, voted := state.voted[entryID]; voted {
		return ErrAlreadyVoted
	}
	state.voted[entryID] = struct{}{}
	state.votes.Update(func(v *int) *int { return intPtr(*v - 1) })
	return nil
}

// ForgetEntry drops every vote record of an entry that left the playlist.
func (ac *Control) ForgetEntry(entryID uuid.UUID) {
	ac.mx.Lock()
	defer ac.mx.Unlock()
	for _, state := range ac.tokens {
		delete(state.voted, entryID)
	}
}

// ResetVotes restores the default budget of every token.
func (ac *Control) ResetVotes() {
	ac.mx.Lock()
	defer ac.mx.Unlock()
	if ac.defaultVotes == nil {
		return
	}
	for _, state := range ac.tokens {
		if v := state.votes.Value(); v == nil || *v != *ac.defaultVotes {
			state.votes.Publish(copyInt(ac.defaultVotes))
		}
	}
	ac.logger.Debug().Int("tokens", len(ac.tokens)).Msg("vote budgets reset")
}

func (ac *Control) VotingEnabled() bool {
	return ac.defaultVotes != nil
}

func (ac *Control) Tokens() int {
	ac.mx.RLock()
	defer ac.mx.RUnlock()
	return len(ac.tokens)
}

// Clients counts remote tokens. Tokens of the host are left out.
func (ac *Control) Clients() int {
	ac.mx.RLock()
	defer ac.mx.RUnlock()
	var n int
	for _, state := range ac.tokens {
		if !state.local {
			n++
		}
	}
	return n
}

func (ac *Control) state(token uuid.UUID) (*tokenState, error) {
	ac.mx.RLock()
	defer ac.mx.RUnlock()
	state, ok := ac.tokens[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return state, nil
}

func intPtr(v int) *int {
	return &v
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return intPtr(*v)
}
