package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Song struct {
	ID       uuid.UUID     `json:"guid" yaml:"guid"`
	Title    string        `json:"title" yaml:"title"`
	Artist   string        `json:"artist" yaml:"artist"`
	Album    string        `json:"album" yaml:"album"`
	Genre    string        `json:"genre" yaml:"genre"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Source   string        `json:"source" yaml:"source"`
}

// Song sources known to remote clients.
const (
	SongSourceLocal      = "local"
	SongSourceYoutube    = "youtube"
	SongSourceSoundCloud = "soundcloud"
)

// PlaylistEntry is a point-in-time view of one playlist slot.
type PlaylistEntry struct {
	ID    uuid.UUID `json:"guid"`
	Index int       `json:"index"`
	Song  Song      `json:"song"`
	Votes int       `json:"votes"`
}

type PlaylistSnapshot struct {
	Name         string          `json:"name"`
	Version      uint64          `json:"-"`
	CurrentIndex *int            `json:"currentIndex"`
	Entries      []PlaylistEntry `json:"songs"`
}

type Permission string

const (
	PermissionGuest Permission = "guest"
	PermissionAdmin Permission = "admin"
)

// Covers reports whether p grants at least the required level.
func (p Permission) Covers(required Permission) bool {
	if required == PermissionGuest {
		return p == PermissionGuest || p == PermissionAdmin
	}
	return p == PermissionAdmin
}

type PlaybackState string

const (
	PlaybackStateNone     PlaybackState = "none"
	PlaybackStatePlaying  PlaybackState = "playing"
	PlaybackStatePaused   PlaybackState = "paused"
	PlaybackStateStopped  PlaybackState = "stopped"
	PlaybackStateFinished PlaybackState = "finished"
)

type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypePush     MessageType = "push"
)

// NetworkMessage is the envelope carried by every frame.
type NetworkMessage struct {
	MessageType MessageType     `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
}

type RequestAction string

const (
	RequestActionGetConnectionInfo   RequestAction = "GetConnectionInfo"
	RequestActionGetLibraryContent   RequestAction = "GetLibraryContent"
	RequestActionAddPlaylistSongs    RequestAction = "AddPlaylistSongs"
	RequestActionAddPlaylistSongsNow RequestAction = "AddPlaylistSongsNow"
	RequestActionGetCurrentPlaylist  RequestAction = "GetCurrentPlaylist"
	RequestActionPlayPlaylistSong    RequestAction = "PlayPlaylistSong"
	RequestActionContinueSong        RequestAction = "ContinueSong"
	RequestActionPauseSong           RequestAction = "PauseSong"
	RequestActionPlayNextSong        RequestAction = "PlayNextSong"
	RequestActionPlayPreviousSong    RequestAction = "PlayPreviousSong"
	RequestActionRemovePlaylistSong  RequestAction = "RemovePlaylistSong"
	RequestActionMovePlaylistSongUp  RequestAction = "MovePlaylistSongUp"
	RequestActionMovePlaylistSongDn  RequestAction = "MovePlaylistSongDown"
	RequestActionGetVolume           RequestAction = "GetVolume"
	RequestActionSetVolume           RequestAction = "SetVolume"
	RequestActionVoteForSong         RequestAction = "VoteForSong"
)

type RequestInfo struct {
	RequestAction RequestAction   `json:"requestAction"`
	RequestID     uuid.UUID       `json:"requestId"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}

type ResponseStatus string

const (
	ResponseStatusSuccess          ResponseStatus = "Success"
	ResponseStatusUnauthorized     ResponseStatus = "Unauthorized"
	ResponseStatusNotFound         ResponseStatus = "NotFound"
	ResponseStatusMalformedRequest ResponseStatus = "MalformedRequest"
	ResponseStatusWrongPassword    ResponseStatus = "WrongPassword"
	ResponseStatusNotSupported     ResponseStatus = "NotSupported"
	ResponseStatusRejected         ResponseStatus = "Rejected"
	ResponseStatusFatal            ResponseStatus = "Fatal"
)

type ResponseInfo struct {
	RequestID uuid.UUID      `json:"requestId"`
	Status    ResponseStatus `json:"status"`
	Message   string         `json:"message,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type PushAction string

const (
	PushActionUpdateCurrentPlaylist  PushAction = "UpdateCurrentPlaylist"
	PushActionUpdatePlaybackState    PushAction = "UpdatePlaybackState"
	PushActionUpdateAccessPermission PushAction = "UpdateAccessPermission"
	PushActionUpdateRemainingVotes   PushAction = "UpdateRemainingVotes"
)

type PushInfo struct {
	PushAction PushAction `json:"pushAction"`
	Content    any        `json:"content"`
}

type ConnectionInfo struct {
	AccessPermission Permission `json:"accessPermission"`
	ServerVersion    string     `json:"serverVersion"`
}

// PlaylistContent is what remote clients render for the current playlist.
type PlaylistContent struct {
	PlaylistSnapshot
	RemainingVotes *int          `json:"remainingVotes"`
	PlaybackState  PlaybackState `json:"playbackState"`
}

type LibraryContent struct {
	Songs []Song `json:"songs"`
}

type PlaybackStateContent struct {
	State PlaybackState `json:"state"`
}

type AccessPermissionContent struct {
	AccessPermission Permission `json:"accessPermission"`
}

type RemainingVotesContent struct {
	RemainingVotes *int `json:"remainingVotes"`
}

type VolumeContent struct {
	Volume float64 `json:"volume"`
}
