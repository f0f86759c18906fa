// Package config loads the server configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, the
// YAML config file, a .env file and the process environment. Command line
// flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/adwski/jukebox-remote/backend/model"
)

const (
	EnvAdminPassword = "JUKEBOX_ADMIN_PASSWORD"
	EnvLogLevel      = "JUKEBOX_LOG_LEVEL"
	EnvTCPListenAddr = "JUKEBOX_TCP_LISTEN_ADDR"
	EnvWSListenAddr  = "JUKEBOX_WS_LISTEN_ADDR"
	EnvAPIListenAddr = "JUKEBOX_API_LISTEN_ADDR"
	EnvVotesPerGuest = "JUKEBOX_VOTES_PER_GUEST"

	minFrameSize = 1 << 10
)

var ErrInvalid = errors.New("invalid configuration")

type (
	Config struct {
		TCPListenAddr string `yaml:"tcp_listen_addr"`
		WSListenAddr  string `yaml:"ws_listen_addr"`
		APIListenAddr string `yaml:"api_listen_addr"`
		LogLevel      string `yaml:"log_level"`

		// AdminPassword lets remote clients become admin. Empty disables that.
		AdminPassword string `yaml:"admin_password"`

		MaxFrameSize uint32 `yaml:"max_frame_size"`
		PlaylistName string `yaml:"playlist_name"`

		// RealtimePlayback finishes songs after their duration.
		RealtimePlayback bool `yaml:"realtime_playback"`

		Voting Voting `yaml:"voting"`

		Library []model.Song `yaml:"library"`

		// Playlist lists titles of library songs queued at startup.
		Playlist []string `yaml:"playlist"`
	}

	Voting struct {
		Enabled       bool `yaml:"enabled"`
		VotesPerGuest int  `yaml:"votes_per_guest"`
	}
)

func Default() *Config {
	return &Config{
		TCPListenAddr: ":49587",
		WSListenAddr:  ":8888",
		APIListenAddr: "127.0.0.1:8080",
		LogLevel:      "info",
		MaxFrameSize:  1 << 20,
		PlaylistName:  "Jukebox",
		Voting: Voting{
			Enabled:       true,
			VotesPerGuest: 3,
		},
	}
}

// Load reads the config file at path (skipped when empty) and applies the
// environment. envFile is loaded into the environment if it exists; it never
// overrides variables that are already set.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		if err = cfg.decode(f); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	for key, dst := range map[string]*string{
		EnvAdminPassword: &cfg.AdminPassword,
		EnvLogLevel:      &cfg.LogLevel,
		EnvTCPListenAddr: &cfg.TCPListenAddr,
		EnvWSListenAddr:  &cfg.WSListenAddr,
		EnvAPIListenAddr: &cfg.APIListenAddr,
	} {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup(EnvVotesPerGuest); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, EnvVotesPerGuest, err)
		}
		cfg.Voting.VotesPerGuest = n
	}
	return nil
}

// VotesPerGuest is the budget of every new token, nil when voting is off.
func (cfg *Config) VotesPerGuest() *int {
	if !cfg.Voting.Enabled {
		return nil
	}
	v := cfg.Voting.VotesPerGuest
	return &v
}

func (cfg *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if cfg.TCPListenAddr == "" && cfg.WSListenAddr == "" {
		errs = append(errs, errors.New("at least one of tcp_listen_addr and ws_listen_addr is required"))
	}
	if cfg.MaxFrameSize < minFrameSize {
		errs = append(errs, fmt.Errorf("max_frame_size must be at least %d", minFrameSize))
	}
	if cfg.Voting.Enabled && cfg.Voting.VotesPerGuest < 0 {
		errs = append(errs, errors.New("voting.votes_per_guest must not be negative"))
	}

	titles := make(map[string]struct{}, len(cfg.Library))
	for i, song := range cfg.Library {
		if song.Title == "" {
			errs = append(errs, fmt.Errorf("library[%d]: title is required", i))
		}
		if song.Duration < 0 {
			errs = append(errs, fmt.Errorf("library[%d]: negative duration", i))
		}
		titles[song.Title] = struct{}{}
	}
	for _, title := range cfg.Playlist {
		if _, ok := titles[title]; !ok {
			errs = append(errs, fmt.Errorf("playlist: %q is not in the library", title))
		}
	}

	if len(errs) > 0 {
		return errors.Join(ErrInvalid, errors.Join(errs...))
	}
	return nil
}
