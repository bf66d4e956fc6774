// Package config resolves every fabric setting through the override chain:
// database override, then environment variable, then file default, then the
// hard-coded default.
package config

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq" // Postgres driver for the override table
	"gopkg.in/yaml.v2"
)

// Config is the resolved fabric configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Matrix     MatrixConfig     `yaml:"matrix"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Redis      RedisConfig      `yaml:"redis"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type PathsConfig struct {
	SnippetsDir    string `yaml:"snippets_dir"`
	AuditLog       string `yaml:"audit_log"`
	CheckpointFile string `yaml:"checkpoint_file"`
	WorkDir        string `yaml:"work_dir"`
}

type MatrixConfig struct {
	BufferCap int `yaml:"buffer_cap"`
}

type CheckpointConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

type MeshConfig struct {
	Enabled          bool   `yaml:"enabled"`
	InstanceID       string `yaml:"instance_id"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// Debounce converts the configured window.
func (c CheckpointConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// keySpec binds one setting to its override sources.
type keySpec struct {
	dbKey    string
	envVar   string
	fallback string
	assign   func(*Config, string)
}

var keys = []keySpec{
	{"server.port", "PORT", "8080", func(c *Config, v string) { c.Server.Port = v }},
	{"paths.snippets_dir", "SNIPPETS_DIR", "data/snippets", func(c *Config, v string) { c.Paths.SnippetsDir = v }},
	{"paths.audit_log", "AUDIT_LOG", "data/staging_audit.jsonl", func(c *Config, v string) { c.Paths.AuditLog = v }},
	{"paths.checkpoint_file", "CHECKPOINT_FILE", "data/checkpoint.json", func(c *Config, v string) { c.Paths.CheckpointFile = v }},
	{"paths.work_dir", "WORK_DIR", "", func(c *Config, v string) { c.Paths.WorkDir = v }},
	{"matrix.buffer_cap", "MATRIX_BUFFER_CAP", "256", func(c *Config, v string) { c.Matrix.BufferCap = atoiOr(v, 256) }},
	{"checkpoint.debounce_ms", "CHECKPOINT_DEBOUNCE_MS", "1000", func(c *Config, v string) { c.Checkpoint.DebounceMS = atoiOr(v, 1000) }},
	{"mesh.enabled", "MESH_ENABLED", "false", func(c *Config, v string) { c.Mesh.Enabled = v == "true" || v == "1" }},
	{"mesh.instance_id", "MESH_INSTANCE_ID", "", func(c *Config, v string) { c.Mesh.InstanceID = v }},
	{"mesh.heartbeat_seconds", "MESH_HEARTBEAT_SECONDS", "15", func(c *Config, v string) { c.Mesh.HeartbeatSeconds = atoiOr(v, 15) }},
	{"redis.addr", "REDIS_ADDR", "", func(c *Config, v string) { c.Redis.Addr = v }},
	{"redis.channel", "REDIS_CHANNEL", "fabric:events", func(c *Config, v string) { c.Redis.Channel = v }},
}

func atoiOr(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Load resolves the configuration. filePath may be empty or missing; the
// database override table is consulted only when DATABASE_URL is set.
func Load(filePath string) (*Config, error) {
	fileDefaults := map[string]string{}
	if filePath != "" {
		if err := loadFileDefaults(filePath, fileDefaults); err != nil {
			return nil, err
		}
	}

	dbOverrides := map[string]string{}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		if err := loadDBOverrides(url, dbOverrides); err != nil {
			// The database is an override source, not a dependency.
			slog.Warn("config database overrides unavailable", "error", err)
		}
	}

	cfg := &Config{}
	for _, k := range keys {
		value := k.fallback
		if v, ok := fileDefaults[k.dbKey]; ok && v != "" {
			value = v
		}
		if v := os.Getenv(k.envVar); v != "" {
			value = v
		}
		if v, ok := dbOverrides[k.dbKey]; ok && v != "" {
			value = v
		}
		k.assign(cfg, value)
	}
	return cfg, nil
}

// loadFileDefaults flattens the yaml file into the key space.
func loadFileDefaults(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var raw map[string]map[string]interface{}
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	for section, vals := range raw {
		for key, v := range vals {
			out[section+"."+key] = fmt.Sprint(v)
		}
	}
	return nil
}

// loadDBOverrides reads the fabric_config key/value table.
func loadDBOverrides(url string, out map[string]string) error {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value FROM fabric_config`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		out[key] = value
	}
	return rows.Err()
}
