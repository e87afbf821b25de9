package bot

import (
	"os"
	"path/filepath"
	"testing"

	coredatabase "github.com/m3rciful/relaybot/core/database"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaybot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  admin_ids: [42]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Database.Driver != coredatabase.DriverSQLite {
		t.Fatalf("driver = %q, want sqlite default", cfg.Database.Driver)
	}
	if cfg.Database.Path == "" {
		t.Fatal("sqlite path default missing")
	}
	if cfg.Relay.SessionTTLHours != 24 {
		t.Fatalf("session ttl = %d, want 24", cfg.Relay.SessionTTLHours)
	}
	if cfg.Health.Listen == "" {
		t.Fatal("health listen default missing")
	}
	if !cfg.Telegram.IsAdmin(42) || cfg.Telegram.IsAdmin(7) {
		t.Fatal("admin set not honoured")
	}
}

func TestLoadConfigRequiresAdmins(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("config without admins must fail")
	}
}
