package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig кладёт временный JSON-конфиг и возвращает путь к нему.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
  "accounts": [
    {"api_id": 1001, "api_hash": "aaaabbbbccccddddeeeeffff00001111", "session_name": "primary", "phone_number": "+10000000001"}
  ]
}`

func TestLoadMinimalDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Archive.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.Archive.BatchSize, defaultBatchSize)
	}
	if cfg.Parallel.MaxWorkers != defaultMaxWorkers {
		t.Errorf("MaxWorkers = %d, want %d", cfg.Parallel.MaxWorkers, defaultMaxWorkers)
	}
	if cfg.Deduplication.PerceptualHashDistanceThreshold != defaultPHashDistance {
		t.Errorf("PerceptualHashDistanceThreshold = %d, want %d",
			cfg.Deduplication.PerceptualHashDistanceThreshold, defaultPHashDistance)
	}
	if cfg.Rotation.Mode != "smart" {
		t.Errorf("Rotation.Mode = %q, want smart", cfg.Rotation.Mode)
	}
}

func TestLoadUnknownSectionIgnored(t *testing.T) {
	body := `{
  "accounts": [{"api_id": 1, "api_hash": "aaaabbbbccccddddeeeeffff00001111", "session_name": "a"}],
  "dashboards": {"flask": true}
}`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, w := range cfg.Warnings() {
		if strings.Contains(w, "dashboards") {
			t.Fatalf("unknown top-level section must be ignored silently, got warning %q", w)
		}
	}
}

func TestLoadUnknownKeyWarns(t *testing.T) {
	body := `{
  "accounts": [{"api_id": 1, "api_hash": "aaaabbbbccccddddeeeeffff00001111", "session_name": "a"}],
  "archive": {"download_media": true, "turbo_mode": true}
}`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	found := false
	for _, w := range cfg.Warnings() {
		if strings.Contains(w, "turbo_mode") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected warning about unknown key, got %v", cfg.Warnings())
	}
}

func TestLoadDedupSectionPrecedence(t *testing.T) {
	body := `{
  "accounts": [{"api_id": 1, "api_hash": "aaaabbbbccccddddeeeeffff00001111", "session_name": "a"}],
  "forwarding": {"fuzzy_hash_similarity_threshold": 70},
  "deduplication": {"fuzzy_hash_similarity_threshold": 90}
}`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Deduplication.FuzzyHashSimilarityThreshold != 90 {
		t.Errorf("threshold = %d, want 90 (deduplication section wins)",
			cfg.Deduplication.FuzzyHashSimilarityThreshold)
	}
	warned := false
	for _, w := range cfg.Warnings() {
		if strings.Contains(w, "deduplication wins") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected conflict warning, got %v", cfg.Warnings())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TG_API_ID", "777")
	t.Setenv("TG_API_HASH", "ffffeeeeddddccccbbbbaaaa99998888")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Accounts[0].APIID != 777 {
		t.Errorf("APIID = %d, want env override 777", cfg.Accounts[0].APIID)
	}
	if cfg.Accounts[0].APIHash != "ffffeeeeddddccccbbbbaaaa99998888" {
		t.Errorf("APIHash not overridden from env")
	}
}

func TestLoadRejectsDuplicateSessions(t *testing.T) {
	body := `{
  "accounts": [
    {"api_id": 1, "api_hash": "aaaabbbbccccddddeeeeffff00001111", "session_name": "dup"},
    {"api_id": 2, "api_hash": "aaaabbbbccccddddeeeeffff00001111", "session_name": "dup"}
  ]
}`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected duplicate session_name error")
	}
}

func TestLoadRejectsBrokenProxy(t *testing.T) {
	body := `{
  "accounts": [{"api_id": 1, "api_hash": "aaaabbbbccccddddeeeeffff00001111", "session_name": "a"}],
  "proxy": {"enabled": true, "type": "socks5"}
}`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected proxy host/port error")
	}
}
