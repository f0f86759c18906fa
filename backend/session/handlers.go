package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/adwski/jukebox-remote/backend/access"
	"github.com/adwski/jukebox-remote/backend/model"
	"github.com/adwski/jukebox-remote/backend/service"
)

var errMalformedParams = errors.New("malformed request parameters")

type (
	handlerFunc func(ctx context.Context, params json.RawMessage) (model.ResponseInfo, error)

	handler struct {
		// permission required before fn runs, empty for the handshake
		permission model.Permission
		fn         handlerFunc
	}

	connectionParams struct {
		DeviceID uuid.UUID `json:"deviceId"`
		Password *string   `json:"password"`
	}

	songParams struct {
		SongGUID uuid.UUID `json:"songGuid"`
	}

	songsParams struct {
		GUIDs []uuid.UUID `json:"guids"`
	}

	entryParams struct {
		EntryGUID uuid.UUID `json:"entryGuid"`
	}

	volumeParams struct {
		Volume *float64 `json:"volume"`
	}
)

func (s *Session) dispatchTable() map[model.RequestAction]handler {
	guest := func(fn handlerFunc) handler { return handler{permission: model.PermissionGuest, fn: fn} }
	admin := func(fn handlerFunc) handler { return handler{permission: model.PermissionAdmin, fn: fn} }

	return map[model.RequestAction]handler{
		model.RequestActionGetConnectionInfo:   {fn: s.getConnectionInfo},
		model.RequestActionGetLibraryContent:   guest(s.getLibraryContent),
		model.RequestActionAddPlaylistSongs:    admin(s.addPlaylistSongs),
		model.RequestActionAddPlaylistSongsNow: admin(s.addPlaylistSongsNow),
		model.RequestActionGetCurrentPlaylist:  guest(s.getCurrentPlaylist),
		model.RequestActionPlayPlaylistSong:    admin(s.entryAction(s.lib.PlayEntry)),
		model.RequestActionContinueSong:        admin(s.tokenAction(s.lib.ContinueSong)),
		model.RequestActionPauseSong:           admin(s.tokenAction(s.lib.PauseSong)),
		model.RequestActionPlayNextSong:        admin(s.tokenAction(s.lib.PlayNextSong)),
		model.RequestActionPlayPreviousSong:    admin(s.tokenAction(s.lib.PlayPreviousSong)),
		model.RequestActionRemovePlaylistSong:  admin(s.entryAction(s.lib.RemoveEntry)),
		model.RequestActionMovePlaylistSongUp:  admin(s.moveEntry(1)),
		model.RequestActionMovePlaylistSongDn:  admin(s.moveEntry(-1)),
		model.RequestActionGetVolume:           guest(s.getVolume),
		model.RequestActionSetVolume:           admin(s.setVolume),
		model.RequestActionVoteForSong:         guest(s.entryAction(s.voteFor)),
	}
}

// statusOf maps a handler error to the status reported to the client.
func statusOf(err error) model.ResponseStatus {
	switch {
	case errors.Is(err, errMalformedParams):
		return model.ResponseStatusMalformedRequest
	case errors.Is(err, access.ErrUnauthorized):
		return model.ResponseStatusUnauthorized
	case errors.Is(err, access.ErrWrongPassword):
		return model.ResponseStatusWrongPassword
	case errors.Is(err, service.ErrVotingDisabled):
		return model.ResponseStatusNotSupported
	case errors.Is(err, service.ErrVoteRejected),
		errors.Is(err, service.ErrInvalidState):
		return model.ResponseStatusRejected
	case errors.Is(err, service.ErrNotFound):
		return model.ResponseStatusNotFound
	default:
		return model.ResponseStatusFatal
	}
}

func errorResponse(err error) model.ResponseInfo {
	status := statusOf(err)
	resp := model.ResponseInfo{Status: status}
	if status != model.ResponseStatusFatal {
		resp.Message = err.Error()
	}
	return resp
}

func success(content any) model.ResponseInfo {
	return model.ResponseInfo{Status: model.ResponseStatusSuccess, Content: content}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: parameters are missing", errMalformedParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errors.Join(errMalformedParams, err)
	}
	return nil
}

func (s *Session) getConnectionInfo(ctx context.Context, raw json.RawMessage) (model.ResponseInfo, error) {
	var params connectionParams
	if err := decodeParams(raw, &params); err != nil {
		return model.ResponseInfo{}, err
	}
	if params.DeviceID == uuid.Nil {
		return model.ResponseInfo{}, fmt.Errorf("%w: deviceId is required", errMalformedParams)
	}

	token := s.acquireToken(params.DeviceID)
	logger := s.logger.With().Str("token", token.String()).Logger()

	if params.Password != nil {
		if err := s.access.UpgradeToAdmin(token, *params.Password); err != nil {
			return model.ResponseInfo{}, err
		}
	}
	perm, err := s.access.Permission(token)
	if err != nil {
		return model.ResponseInfo{}, err
	}

	if err = s.router.Attach(ctx, s.id, token, s); err != nil {
		return model.ResponseInfo{}, fmt.Errorf("attach push notifications: %w", err)
	}
	s.mx.Lock()
	if s.state == StateAwaiting {
		s.state = StateActive
	}
	s.mx.Unlock()

	logger.Info().Str("permission", string(perm)).Msg("remote client connected")
	return success(model.ConnectionInfo{
		AccessPermission: perm,
		ServerVersion:    s.serverVersion,
	}), nil
}

// acquireToken keeps the token of a repeated handshake from the same device
// and replaces it for a different one.
func (s *Session) acquireToken(deviceID uuid.UUID) uuid.UUID {
	s.mx.Lock()
	prev, prevDevice := s.token, s.deviceID
	s.mx.Unlock()

	if prev != uuid.Nil {
		if prevDevice == deviceID {
			return prev
		}
		s.router.Detach(s.id)
		s.access.Release(prev)
	}

	token := s.access.RegisterToken(deviceID)
	s.mx.Lock()
	s.token, s.deviceID = token, deviceID
	s.mx.Unlock()
	return token
}

func (s *Session) getLibraryContent(context.Context, json.RawMessage) (model.ResponseInfo, error) {
	return success(model.LibraryContent{Songs: s.lib.Songs()}), nil
}

func (s *Session) getCurrentPlaylist(context.Context, json.RawMessage) (model.ResponseInfo, error) {
	content, err := s.lib.PlaylistContent(s.Token())
	if err != nil {
		return model.ResponseInfo{}, err
	}
	return success(content), nil
}

func (s *Session) addPlaylistSongs(_ context.Context, raw json.RawMessage) (model.ResponseInfo, error) {
	var params songParams
	if err := decodeParams(raw, &params); err != nil {
		return model.ResponseInfo{}, err
	}
	song, err := s.lib.Song(params.SongGUID)
	if err != nil {
		return model.ResponseInfo{}, err
	}
	if err = s.lib.AddSongs(s.Token(), song); err != nil {
		return model.ResponseInfo{}, err
	}
	return success(nil), nil
}

func (s *Session) addPlaylistSongsNow(ctx context.Context, raw json.RawMessage) (model.ResponseInfo, error) {
	var params songsParams
	if err := decodeParams(raw, &params); err != nil {
		return model.ResponseInfo{}, err
	}
	if len(params.GUIDs) == 0 {
		return model.ResponseInfo{}, fmt.Errorf("%w: no songs given", errMalformedParams)
	}
	songs, err := s.lib.SongsByID(params.GUIDs)
	if err != nil {
		return model.ResponseInfo{}, err
	}
	if err = s.lib.PlayInstantly(ctx, s.Token(), songs...); err != nil {
		return model.ResponseInfo{}, err
	}
	return success(nil), nil
}

// entryAction runs fn for the playlist entry named by the request. The entry
// is resolved by the library, under the same lock as the change.
func (s *Session) entryAction(fn func(ctx context.Context, token, entryID uuid.UUID) error) handlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (model.ResponseInfo, error) {
		var params entryParams
		if err := decodeParams(raw, &params); err != nil {
			return model.ResponseInfo{}, err
		}
		if err := fn(ctx, s.Token(), params.EntryGUID); err != nil {
			return model.ResponseInfo{}, err
		}
		return success(nil), nil
	}
}

// moveEntry shifts the entry by offset positions.
func (s *Session) moveEntry(offset int) handlerFunc {
	return s.entryAction(func(_ context.Context, token, entryID uuid.UUID) error {
		return s.lib.MoveEntry(token, entryID, offset)
	})
}

func (s *Session) tokenAction(fn func(context.Context, uuid.UUID) error) handlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (model.ResponseInfo, error) {
		if err := fn(ctx, s.Token()); err != nil {
			return model.ResponseInfo{}, err
		}
		return success(nil), nil
	}
}

func (s *Session) getVolume(context.Context, json.RawMessage) (model.ResponseInfo, error) {
	return success(model.VolumeContent{Volume: s.lib.Volume()}), nil
}

func (s *Session) setVolume(_ context.Context, raw json.RawMessage) (model.ResponseInfo, error) {
	var params volumeParams
	if err := decodeParams(raw, &params); err != nil {
		return model.ResponseInfo{}, err
	}
	if params.Volume == nil || *params.Volume < 0 || *params.Volume > 1 {
		return model.ResponseInfo{}, fmt.Errorf("%w: volume must be between 0 and 1", errMalformedParams)
	}
	if err := s.lib.SetVolume(s.Token(), *params.Volume); err != nil {
		return model.ResponseInfo{}, err
	}
	return success(nil), nil
}

func (s *Session) voteFor(_ context.Context, token, entryID uuid.UUID) error {
	return s.lib.VoteFor(token, entryID)
}
