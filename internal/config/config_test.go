package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDefaults(t *testing.T) {
	cfg, err := Decode(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, uint8(10), cfg.ICE.CandidatePoolSize)
	assert.Equal(t, []string{
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	}, cfg.ICE.Servers)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Store.PollInterval)
	assert.Equal(t, time.Second, cfg.Rate.Interval)
	assert.Equal(t, "kick", cfg.Relay.Policy)
	assert.Equal(t, 32, cfg.Relay.DropBudget)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:8080"}, cfg.CORS.AllowOrigins)
}

func TestDecodeFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.test.yaml")
	body := "port: 9090\nstore:\n  driver: postgres\n  dsn: host=db\nice:\n  candidate_pool_size: 4\n" +
		"relay:\n  policy: tolerant\ncors:\n  allow_origins:\n    - https://meet.example\n"
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	cfg, err := Decode(New(), file)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "host=db", cfg.Store.DSN)
	assert.Equal(t, uint8(4), cfg.ICE.CandidatePoolSize)
	assert.Len(t, cfg.ICE.Servers, 2)
	assert.Equal(t, "tolerant", cfg.Relay.Policy)
	assert.Equal(t, []string{"https://meet.example"}, cfg.CORS.AllowOrigins)
}

func TestMissingFileFallsBack(t *testing.T) {
	cfg, err := Decode(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MESH_PORT", "7070")
	t.Setenv("MESH_STORE_DRIVER", "postgres")

	cfg, err := Decode(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestFlagsBindToClient(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("server", "", "")
	flags.String("token", "", "")
	flags.String("name", "", "")
	require.NoError(t, flags.Parse([]string{"--server", "ws://relay/api/ws/store", "--name", "Ana"}))

	cfg, err := LoadWithFlags(filepath.Join(t.TempDir(), "none.yaml"), flags)
	require.NoError(t, err)
	assert.Equal(t, "ws://relay/api/ws/store", cfg.Client.ServerURL)
	assert.Equal(t, "Ana", cfg.Client.Name)
	assert.Empty(t, cfg.Client.Token)
}
