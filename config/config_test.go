package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	fName := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(fName, []byte(contents), 0o600))
	return fName
}

func TestReadConfigurationDefaults(t *testing.T) {
	cfg, err := ReadConfiguration("", nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8000", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.MeetingConfig.HandRaiseTimeout)
	assert.Equal(t, 256, cfg.MeetingConfig.SendBufferSize)
	assert.Equal(t, DefaultStunServers, cfg.ICEConfig.StunServers)
	assert.Empty(t, cfg.PersistenceConfig.Type)
	assert.Empty(t, cfg.Policy)
}

func TestReadConfigurationFile(t *testing.T) {
	dir := t.TempDir()
	fName := writeFile(t, dir, "meet.toml", `
addr = ":9000"
log_level = "debug"

[meeting]
hand_raise_timeout = "2s"

[auth]
require_token = true

[[oidc]]
name = "google"
client_id = "abc"
provider_url = "https://accounts.google.com"

[persistence]
type = "buntdb"
dsn = "journal.db"
retention = "48h"

[policy]
end-meeting = "Source.Role == 'teacher'"
`)
	cfg, err := ReadConfiguration(fName, nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.MeetingConfig.HandRaiseTimeout)
	assert.True(t, cfg.AuthConfig.RequireToken)
	require.Len(t, cfg.OIDCConfigs, 1)
	assert.Equal(t, "google", cfg.OIDCConfigs[0].Name)
	assert.Equal(t, "buntdb", cfg.PersistenceConfig.Type)
	assert.Equal(t, 48*time.Hour, cfg.PersistenceConfig.Retention)
	assert.Equal(t, "Source.Role == 'teacher'", cfg.Policy["end-meeting"])
}

func TestReadConfigurationDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.toml", `addr = ":9001"`)
	writeFile(t, dir, "b.toml", "[ice]\nstun_servers = [\"stun:example.org:3478\"]\n")
	writeFile(t, dir, "ignored.txt", `addr = ":1"`)

	cfg, err := ReadConfiguration(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Addr)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEConfig.StunServers)
}

func TestReadConfigurationFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	fName := writeFile(t, dir, "meet.toml", `addr = ":9000"`)
	flagSet := GetFlagSet()
	require.NoError(t, flagSet.Parse([]string{"--addr", ":9100"}))

	cfg, err := ReadConfiguration(fName, flagSet)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
}

func TestReadConfigurationMissing(t *testing.T) {
	_, err := ReadConfiguration(filepath.Join(os.TempDir(), "does-not-exist.toml"), nil)
	assert.Error(t, err)
}
