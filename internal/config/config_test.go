package config

import (
	"strings"
	"testing"
)

const minimalTOML = `
[[databases]]
name = "shard0_primary"
host = "127.0.0.1"
port = 5432
database_name = "app"
shard = 0
role = "primary"

[[users]]
name = "app"
database = "app"
`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalTOML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Databases) != 1 || cfg.Databases[0].Name != "shard0_primary" {
		t.Errorf("Databases = %+v", cfg.Databases)
	}
	if cfg.General.MinPoolSize != 1 {
		t.Errorf("MinPoolSize default = %d, want 1", cfg.General.MinPoolSize)
	}
	if cfg.Users[0].PoolerMode != "transaction" {
		t.Errorf("PoolerMode default = %q, want transaction", cfg.Users[0].PoolerMode)
	}
}

func TestParseDurationFields(t *testing.T) {
	toml := minimalTOML + "\n[general]\nconnect_timeout = \"2s\"\ndefault_pool_size = 5\n"
	cfg, err := Parse([]byte(toml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.General.ConnectTimeout.Seconds() != 2 {
		t.Errorf("ConnectTimeout = %v, want 2s", cfg.General.ConnectTimeout)
	}
}

func TestParseRejectsNoDatabases(t *testing.T) {
	_, err := Parse([]byte("[general]\ndefault_pool_size = 1\n"))
	if err == nil || !strings.Contains(err.Error(), "databases") {
		t.Fatalf("expected a databases-related error, got %v", err)
	}
}

func TestParseRejectsBadRewriteShardKey(t *testing.T) {
	bad := minimalTOML + "\n[rewrite]\nshard_key = \"nonsense\"\n"
	_, err := Parse([]byte(bad))
	if err == nil || !strings.Contains(err.Error(), "shard_key") {
		t.Fatalf("expected a shard_key validation error, got %v", err)
	}
}

func TestParseRejectsOutOfRangeMirrorExposure(t *testing.T) {
	bad := minimalTOML + "\n[[mirroring]]\nsource = \"app\"\ndestination = \"app_mirror\"\nexposure = 1.5\n"
	_, err := Parse([]byte(bad))
	if err == nil || !strings.Contains(err.Error(), "exposure") {
		t.Fatalf("expected an exposure validation error, got %v", err)
	}
}

func TestParseMirrorDefaultsFromGeneral(t *testing.T) {
	withMirror := minimalTOML + "\n[general]\ndefault_pool_size = 5\nmirror_queue = 64\nmirror_exposure = 0.25\n\n[[mirroring]]\nsource = \"app\"\ndestination = \"app_mirror\"\n"
	cfg, err := Parse([]byte(withMirror))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Mirroring) != 1 {
		t.Fatalf("Mirroring = %+v", cfg.Mirroring)
	}
	if cfg.Mirroring[0].QueueLength != 64 {
		t.Errorf("QueueLength = %d, want 64 (inherited from general.mirror_queue)", cfg.Mirroring[0].QueueLength)
	}
	if cfg.Mirroring[0].Exposure != 0.25 {
		t.Errorf("Exposure = %v, want 0.25 (inherited from general.mirror_exposure)", cfg.Mirroring[0].Exposure)
	}
}

func TestParseRejectsUserMissingDatabaseScope(t *testing.T) {
	bad := minimalTOML + "\n[[users]]\nname = \"orphan\"\n"
	_, err := Parse([]byte(bad))
	if err == nil || !strings.Contains(err.Error(), "orphan") {
		t.Fatalf("expected an orphan-user validation error, got %v", err)
	}
}
