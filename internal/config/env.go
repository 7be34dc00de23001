package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/titanous/json5"
)

// SharedEnvPath returns <home>/env.json.
func (c *Config) SharedEnvPath() string { return filepath.Join(c.home, "env.json") }

// MindEnvPath returns <home>/state/<mind>/env.json.
func (c *Config) MindEnvPath(mind string) string {
	return filepath.Join(c.MindStateDir(mind), "env.json")
}

// LoadEnvFile reads a flat string-to-string env file. A missing file is an
// empty map, not an error.
func LoadEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	env := map[string]string{}
	if err := json5.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return env, nil
}

// SaveEnvFile writes an env file atomically with keys sorted for stable diffs.
func SaveEnvFile(path string, env map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// MergedMindEnv merges shared env with per-mind env, per-mind winning, and
// returns it sorted as KEY=VALUE pairs ready for exec.Cmd.Env.
func (c *Config) MergedMindEnv(mind string) ([]string, error) {
	shared, err := LoadEnvFile(c.SharedEnvPath())
	if err != nil {
		return nil, err
	}
	perMind, err := LoadEnvFile(c.MindEnvPath(mind))
	if err != nil {
		return nil, err
	}
	for k, v := range perMind {
		shared[k] = v
	}

	keys := make([]string, 0, len(shared))
	for k := range shared {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+shared[k])
	}
	return pairs, nil
}
