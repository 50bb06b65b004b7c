package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Server.PushURL = "wss://push.example/ws"
	cfg.Chat.EditWindow = 10 * time.Minute
	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Server.PushURL != cfg.Server.PushURL {
		t.Errorf("PushURL = %q", loaded.Server.PushURL)
	}
	if loaded.Chat.EditWindow != 10*time.Minute {
		t.Errorf("EditWindow = %v, want 10m", loaded.Chat.EditWindow)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
default_session = "main"

[chat]
page_size = 20
remote_typing_ttl = "3s"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Chat.PageSize != 20 || cfg.Chat.RemoteTypingTTL != 3*time.Second {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Chat.EditWindow != 15*time.Minute {
		t.Errorf("EditWindow = %v, want default 15m", cfg.Chat.EditWindow)
	}
	if cfg.Call.RingTimeout != 40*time.Second {
		t.Errorf("RingTimeout = %v, want default 40s", cfg.Call.RingTimeout)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Chat.PageSize != 50 {
		t.Errorf("PageSize = %d, want default", cfg.Chat.PageSize)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestEnvOverlay(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	data := "PARLEY_TOKEN=from-file\nPARLEY_API_URL=https://api.example\n"
	if err := os.WriteFile(envPath, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvToken, "from-env")
	t.Setenv(EnvUserID, "u1")
	// Registered so the variable the file sets is restored afterwards.
	t.Setenv(EnvAPIURL, "")
	os.Unsetenv(EnvAPIURL)

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.Account.Token = "from-config"
	cfg.ApplyEnv()

	if cfg.Account.Token != "from-env" {
		t.Errorf("Token = %q, want the environment to win over .env", cfg.Account.Token)
	}
	if cfg.Server.APIURL != "https://api.example" {
		t.Errorf("APIURL = %q, want value from .env", cfg.Server.APIURL)
	}
	if cfg.Account.UserID != "u1" {
		t.Errorf("UserID = %q", cfg.Account.UserID)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("LoadEnvFile() error = %v for missing file", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() accepted a config without endpoints")
	}
	for _, want := range []string{"push_url", "api_url", "user_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q does not mention %s", err, want)
		}
	}

	cfg.Server.PushURL = "wss://push.example/ws"
	cfg.Server.APIURL = "https://api.example"
	cfg.Account.UserID = "u1"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
