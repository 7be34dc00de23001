package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFirstBootGeneratesToken(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != DefaultPort || cfg.BasePort != DefaultBasePort {
		t.Errorf("defaults = port %d basePort %d", cfg.Port, cfg.BasePort)
	}
	if len(cfg.Token) != 48 {
		t.Errorf("token length = %d, want 48 hex chars", len(cfg.Token))
	}

	// Token survives a reload.
	cfg2, err := Load(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.Token != cfg.Token {
		t.Error("token changed between loads")
	}
}

func TestLoadTolerantSyntax(t *testing.T) {
	home := t.TempDir()
	// trailing comma and comment, json5-style hand edits
	content := `{
  // local override
  "port": 9999,
  "hostname": "box",
}`
	if err := os.WriteFile(filepath.Join(home, "daemon.json"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9999 || cfg.Hostname != "box" {
		t.Errorf("cfg = port %d host %q", cfg.Port, cfg.Hostname)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOLUTE_PORT", "5555")
	t.Setenv("VOLUTE_HOSTNAME", "override")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 5555 || cfg.Hostname != "override" {
		t.Errorf("cfg = port %d host %q", cfg.Port, cfg.Hostname)
	}
}

func TestOrigin(t *testing.T) {
	cfg := &Config{Port: 4200, Hostname: "localhost"}
	if got := cfg.Origin(); got != "http://localhost:4200" {
		t.Errorf("Origin = %q", got)
	}
}

func TestMergedMindEnvPerMindWins(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatal(err)
	}

	if err := SaveEnvFile(cfg.SharedEnvPath(), map[string]string{
		"SHARED": "yes", "BOTH": "shared",
	}); err != nil {
		t.Fatal(err)
	}
	if err := SaveEnvFile(cfg.MindEnvPath("ada"), map[string]string{
		"BOTH": "mind", "OWN": "1",
	}); err != nil {
		t.Fatal(err)
	}

	pairs, err := cfg.MergedMindEnv("ada")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"BOTH=mind", "OWN=1", "SHARED=yes"}
	if len(pairs) != len(want) {
		t.Fatalf("pairs = %v", pairs)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pairs[%d] = %q, want %q", i, pairs[i], want[i])
		}
	}
}

func TestLoadEnvFileMissingIsEmpty(t *testing.T) {
	env, err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(env) != 0 {
		t.Errorf("env = %v, want empty", env)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteFileAtomic(path, []byte("one"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
	// no temp litter
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}
