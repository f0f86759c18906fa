package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adwski/jukebox-remote/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type Library interface {
	Songs() []model.Song
	CurrentPlaylist() model.PlaylistSnapshot
	PlaybackState() model.PlaybackState
	Volume() float64
	ResetVotes()
}

type AccessControl interface {
	Clients() int
	VotingEnabled() bool
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Status struct {
	PlaybackState model.PlaybackState `json:"playbackState"`
	Volume        float64             `json:"volume"`
	CurrentIndex  *int                `json:"currentIndex"`
	Entries       int                 `json:"entries"`
	Clients       int                 `json:"clients"`
	VotingEnabled bool                `json:"votingEnabled"`
}

type Server struct {
	logger zerolog.Logger
	lib    Library
	access AccessControl
	*http.Server
}

type Config struct {
	Logger        *zerolog.Logger
	Library       Library
	AccessControl AccessControl
	ListenAddr    string
}

// NewServer builds the host API. It has no authentication and is meant to
// listen on a local address only.
func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		lib:    cfg.Library,
		access: cfg.AccessControl,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/library", srv.library)
	r.HandleFunc("GET /api/playlist", srv.playlist)
	r.HandleFunc("GET /api/status", srv.status)
	r.HandleFunc("POST /api/votes/reset", srv.resetVotes)
	r.HandleFunc("GET /healthz", healthz)
	r.Handle("GET /metrics", promhttp.Handler())
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) library(w http.ResponseWriter, _ *http.Request) {
	srv.writeData(w, model.LibraryContent{Songs: srv.lib.Songs()})
}

func (srv *Server) playlist(w http.ResponseWriter, _ *http.Request) {
	srv.writeData(w, srv.lib.CurrentPlaylist())
}

func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap := srv.lib.CurrentPlaylist()
	srv.writeData(w, Status{
		PlaybackState: srv.lib.PlaybackState(),
		Volume:        srv.lib.Volume(),
		CurrentIndex:  snap.CurrentIndex,
		Entries:       len(snap.Entries),
		Clients:       srv.access.Clients(),
		VotingEnabled: srv.access.VotingEnabled(),
	})
}

func (srv *Server) resetVotes(w http.ResponseWriter, _ *http.Request) {
	if !srv.access.VotingEnabled() {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: "voting is disabled"})
		return
	}
	srv.lib.ResetVotes()
	srv.logger.Info().Msg("vote budgets reset by host")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeData(w http.ResponseWriter, data any) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: data})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
