package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHATSYNC_CONFIG", "")
	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "chatsync.db", cfg.DBFile)
	require.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	require.Empty(t, cfg.NATSURL)

	level, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_file: /var/lib/chatsync/chat.db
api_addr: ":9090"
token_expiry: 2h
log_level: debug
nats_url: nats://localhost:4222
`), 0o600))

	t.Setenv("CHATSYNC_CONFIG", path)
	t.Setenv("API_ADDR", ":7070")
	t.Setenv("LOGIN_RATE_LIMIT", "3")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/chatsync/chat.db", cfg.DBFile)
	require.Equal(t, ":7070", cfg.APIAddr)
	require.Equal(t, 2*time.Hour, cfg.TokenExpiry)
	require.Equal(t, 3, cfg.LoginRateLimit)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)

	level, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad expiry", map[string]string{"TOKEN_EXPIRY": "soon"}},
		{"negative expiry", map[string]string{"TOKEN_EXPIRY": "-1h"}},
		{"bad rate", map[string]string{"LOGIN_RATE_LIMIT": "many"}},
		{"zero rate", map[string]string{"LOGIN_RATE_LIMIT": "0"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
		{"missing file", map[string]string{"CHATSYNC_CONFIG": "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHATSYNC_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(false)
			require.Error(t, err)
		})
	}
}

func TestLoad_CLIMode(t *testing.T) {
	t.Setenv("CHATSYNC_CONFIG", "")
	t.Setenv("LOGIN_RATE_LIMIT", "0")
	cfg, err := Load(true)
	require.NoError(t, err)
	require.Equal(t, "localhost:8081", cfg.AdminAddr)
}
