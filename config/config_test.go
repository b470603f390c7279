package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(name string) string { return vars[name] }
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(nil, env(nil))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Error(t, cfg.Validate())
}

func TestPrecedence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chatbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_path: /var/lib/chatbridge/file.db
log_level: debug
msim:
  addr: im.example.com:3215
  login: helpdesk
  password: from-file
local_users: [bob, carol]
reconnect_delay: 5s
reconnect_attempts: 3
`), 0o600))

	cfg, err := Load([]string{
		"--config", path,
		"--reconnect-attempts=7",
		"--http-addr", "127.0.0.1:9000",
	}, env(map[string]string{
		"CHATBRIDGE_MSIM_PASSWORD":   "from-env",
		"CHATBRIDGE_RECONNECT_DELAY": "30s",
		"CHATBRIDGE_LOCAL_USERS":     "dave, erin ,",
	}))
	require.NoError(t, err)

	require.Equal(t, "/var/lib/chatbridge/file.db", cfg.StorePath)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "im.example.com:3215", cfg.MSIM.Addr)
	require.Equal(t, "helpdesk", cfg.MSIM.Login)
	require.Equal(t, "from-env", cfg.MSIM.Password)
	require.Equal(t, 60*time.Second, cfg.MSIM.KeepaliveInterval)
	require.Equal(t, []string{"dave", "erin"}, cfg.LocalUsers)
	require.Equal(t, 30*time.Second, cfg.ReconnectDelay)
	require.Equal(t, 7, cfg.ReconnectAttempts)
	require.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	require.NoError(t, cfg.Validate())
}

func TestFlagsOnly(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]string{
		"--msim-login=helpdesk",
		"--local-users=bob,carol",
		"--process-slice=250ms",
		"--reset-store",
	}, env(nil))
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "carol"}, cfg.LocalUsers)
	require.Equal(t, 250*time.Millisecond, cfg.ProcessSlice)
	require.True(t, cfg.ResetStore)
	require.False(t, cfg.HashPassword)
	require.NoError(t, cfg.Validate())
}

func TestInvalidInput(t *testing.T) {
	t.Parallel()

	_, err := Load(nil, env(map[string]string{"CHATBRIDGE_RECONNECT_ATTEMPTS": "many"}))
	require.Error(t, err)

	_, err = Load(nil, env(map[string]string{"CHATBRIDGE_PROCESS_SLICE": "soon"}))
	require.Error(t, err)

	_, err = Load([]string{"--config"}, env(nil))
	require.Error(t, err)

	_, err = Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, env(nil))
	require.Error(t, err)

	_, err = Load([]string{"--no-such-flag"}, env(nil))
	require.Error(t, err)
}
