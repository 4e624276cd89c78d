package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestDefaultsHaveSaneTimeouts(t *testing.T) {
	is := is.New(t)
	cfg := Defaults()
	is.Equal(cfg.CITimeout.Duration, 15*time.Minute)
	is.Equal(cfg.GitTimeout.Duration, 2*time.Minute)
}

func TestLoadFromYAMLFile(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "marge.yaml")
	is.NoErr(os.WriteFile(path, []byte(`
forge-url: https://gitlab.example.com
auth-token-file: /etc/marge/token
ssh-key-file: /etc/marge/ssh_key
add-tested: true
ci-timeout: 10m
`), 0o600))

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.ForgeURL, "https://gitlab.example.com")
	is.True(cfg.AddTested)
	is.Equal(cfg.CITimeout.Duration, 10*time.Minute)
}

func TestEnvOverridesFile(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "marge.yaml")
	is.NoErr(os.WriteFile(path, []byte(`forge-url: https://from-file.example.com`), 0o600))

	t.Setenv("MARGE_FORGE_URL", "https://from-env.example.com")

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.ForgeURL, "https://from-env.example.com")
}

func TestValidateRejectsNonAdminReviewers(t *testing.T) {
	is := is.New(t)
	cfg := Defaults()
	cfg.ForgeURL = "https://forge.example.com"
	cfg.AuthTokenFile = "/tmp/token"
	cfg.SSHKeyFile = "/tmp/key"
	cfg.BotUsername = "marge-bot"
	cfg.AddReviewers = true

	err := cfg.Validate(false)
	is.True(err != nil)

	err = cfg.Validate(true)
	is.NoErr(err)
}

func TestReadTokenTrimsTrailingNewline(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	is.NoErr(os.WriteFile(path, []byte("s3cr3t\n"), 0o600))

	cfg := Config{AuthTokenFile: path}
	tok, err := cfg.ReadToken()
	is.NoErr(err)
	is.Equal(tok, "s3cr3t")
}
