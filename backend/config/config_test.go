package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
tcp_listen_addr: ":4000"
log_level: debug
admin_password: from-file
voting:
  enabled: true
  votes_per_guest: 5
library:
  - guid: 6f1c0a64-4a7e-4c4e-9a5e-2f8a7c1b9d10
    title: Intro
    artist: Band
    duration: 3m30s
  - title: Outro
    artist: Band
    source: youtube
playlist:
  - Outro
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetEnv clears key for the test and restores it afterwards.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	unsetEnv(t, EnvAdminPassword, EnvLogLevel, EnvTCPListenAddr, EnvWSListenAddr, EnvAPIListenAddr, EnvVotesPerGuest)

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.VotesPerGuest())
	assert.Equal(t, 3, *cfg.VotesPerGuest())
}

func TestLoad_FileAndEnv(t *testing.T) {
	unsetEnv(t, EnvAdminPassword, EnvLogLevel, EnvTCPListenAddr, EnvWSListenAddr, EnvAPIListenAddr, EnvVotesPerGuest)
	t.Setenv(EnvAdminPassword, "from-env")

	envFile := writeFile(t, ".env", EnvWSListenAddr+"=:9999\n"+EnvAdminPassword+"=from-dotenv\n")
	cfg, err := Load(writeFile(t, "jukebox.yaml", sampleConfig), envFile)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":4000", cfg.TCPListenAddr)
	assert.Equal(t, ":9999", cfg.WSListenAddr)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	// the process environment wins over the env file
	assert.Equal(t, "from-env", cfg.AdminPassword)
	assert.Equal(t, 5, *cfg.VotesPerGuest())

	require.Len(t, cfg.Library, 2)
	assert.Equal(t, uuid.MustParse("6f1c0a64-4a7e-4c4e-9a5e-2f8a7c1b9d10"), cfg.Library[0].ID)
	assert.Equal(t, 3*time.Minute+30*time.Second, cfg.Library[0].Duration)
	assert.Equal(t, uuid.Nil, cfg.Library[1].ID)
	assert.Equal(t, "youtube", cfg.Library[1].Source)
	assert.Equal(t, []string{"Outro"}, cfg.Playlist)
}

func TestLoad_Errors(t *testing.T) {
	unsetEnv(t, EnvVotesPerGuest)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "listen_everywhere: true\n"), "")
	require.Error(t, err)

	t.Setenv(EnvVotesPerGuest, "many")
	_, err = Load("", "")
	require.ErrorIs(t, err, ErrInvalid)

	// a missing env file is not an error
	unsetEnv(t, EnvVotesPerGuest)
	_, err = Load("", filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.MaxFrameSize = 10
	cfg.Voting.VotesPerGuest = -1
	cfg.Playlist = []string{"Nope"}
	cfg.TCPListenAddr, cfg.WSListenAddr = "", ""

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{"log_level", "max_frame_size", "votes_per_guest", "Nope", "tcp_listen_addr"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Voting.Enabled = false
	cfg.Voting.VotesPerGuest = -1
	require.NoError(t, cfg.Validate())
	assert.Nil(t, cfg.VotesPerGuest())
}
