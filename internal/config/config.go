package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

const (
	// DefaultPort is the daemon's HTTP listen port.
	DefaultPort = 4200
	// DefaultBasePort is the first port handed out to minds.
	DefaultBasePort = 4100
)

// Config is the daemon configuration persisted at <home>/daemon.json.
// Token is generated on first boot and preserved across restarts.
type Config struct {
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
	Token    string `json:"token"`
	BasePort int    `json:"basePort,omitempty"`

	// MindCommand is the child entrypoint started for each mind, resolved
	// on PATH or relative to the mind directory.
	MindCommand string `json:"mindCommand,omitempty"`
	// MindUser enables OS-user isolation: state directories are chowned to
	// this user at spawn time. Empty disables isolation.
	MindUser string `json:"mindUser,omitempty"`

	home string
}

// Home is the daemon's state root directory.
func (c *Config) Home() string { return c.home }

// DaemonPath returns <home>/<name>.
func (c *Config) DaemonPath(name string) string { return filepath.Join(c.home, name) }

// MindStateDir returns <home>/state/<mind>, the per-mind state directory.
func (c *Config) MindStateDir(mind string) string {
	return filepath.Join(c.home, "state", mind)
}

// MindDir returns <home>/minds/<mind>, the mind's working directory.
func (c *Config) MindDir(mind string) string {
	return filepath.Join(c.home, "minds", mind)
}

// Origin returns the daemon's own origin, used for the CSRF check.
func (c *Config) Origin() string {
	return fmt.Sprintf("http://%s:%d", c.Hostname, c.Port)
}

// DefaultHome resolves the daemon home directory: $VOLUTE_HOME or ~/.volute.
func DefaultHome() string {
	if v := os.Getenv("VOLUTE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".volute"
	}
	return filepath.Join(home, ".volute")
}

// Load reads daemon.json from home, creating it with defaults and a fresh
// token on first boot. Env vars VOLUTE_PORT and VOLUTE_HOSTNAME override
// file values without being written back.
func Load(home string) (*Config, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	cfg := &Config{
		Port:     DefaultPort,
		Hostname: "localhost",
		BasePort: DefaultBasePort,
		home:     home,
	}

	path := filepath.Join(home, "daemon.json")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse daemon.json: %w", err)
		}
	case os.IsNotExist(err):
		// first boot, fall through and persist defaults
	default:
		return nil, fmt.Errorf("read daemon.json: %w", err)
	}

	changed := false
	if cfg.Token == "" {
		cfg.Token = newToken()
		changed = true
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.MindCommand == "" {
		cfg.MindCommand = "volute-mind"
	}
	if changed || os.IsNotExist(err) {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes daemon.json atomically.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(c.home, "daemon.json"), data, 0o600)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOLUTE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			c.Port = p
		}
	}
	if v := os.Getenv("VOLUTE_HOSTNAME"); v != "" {
		c.Hostname = v
	}
}

func newToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("config: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// WriteFileAtomic writes data to path via temp file + rename on the same
// filesystem, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
