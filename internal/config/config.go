// Package config loads the shared bridge/agent configuration from a
// YAML file with environment-variable overrides. Both processes read
// the same file so the data tree layout is agreed on exactly once.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g.
// MESHLINK_AI_DEFAULT_PERSONA=ranger.
const EnvPrefix = "MESHLINK_"

// Config is the full configuration for both processes.
type Config struct {
	Data       Data       `yaml:"data"`
	Meshtastic Meshtastic `yaml:"meshtastic"`
	AI         AI         `yaml:"ai"`
	Ollama     Ollama     `yaml:"ollama"`
}

// Data names the on-disk tree shared between the two processes.
type Data struct {
	Root      string `yaml:"root"`
	NodesBase string `yaml:"nodes_base"`
	Personas  string `yaml:"personas_dir"`
	Logs      string `yaml:"logs"`
}

// Meshtastic configures the radio-facing process.
type Meshtastic struct {
	SerialPort           string `yaml:"serial_port"`
	BridgePollIntervalMS int    `yaml:"bridge_poll_interval_ms"`
	IgnoreChannelIndexes []int  `yaml:"ignore_channel_indexes"`
}

// AI configures the dispatch-side process.
type AI struct {
	PollIntervalMS       int    `yaml:"ai_poll_interval_ms"`
	DefaultPersona       string `yaml:"default_persona"`
	MaxMessageChars      int    `yaml:"max_message_chars"`
	MaxContextChars      int    `yaml:"max_context_chars"`
	ReplyCooldownSeconds int    `yaml:"reply_cooldown_seconds"`
	ContextMessages      int    `yaml:"context_messages"`
}

// Ollama configures the inference backend.
type Ollama struct {
	BaseURL       string `yaml:"base_url"`
	ModelInstruct string `yaml:"model_instruct"`
	ModelThink    string `yaml:"model_think"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Data: Data{
			Root:      "data",
			NodesBase: filepath.Join("data", "nodes"),
			Personas:  filepath.Join("config", "personas"),
			Logs:      "logs",
		},
		Meshtastic: Meshtastic{
			BridgePollIntervalMS: 500,
			IgnoreChannelIndexes: []int{0},
		},
		AI: AI{
			PollIntervalMS:       1000,
			DefaultPersona:       "librarian",
			MaxMessageChars:      200,
			MaxContextChars:      2000,
			ReplyCooldownSeconds: 120,
			ContextMessages:      10,
		},
		Ollama: Ollama{
			BaseURL:       "http://localhost:11434",
			ModelInstruct: "qwen3-4b-q8-instruct",
		},
	}
}

// Load reads path over the defaults, then applies environment
// overrides. A missing file is not an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Environ())
	cfg.normalize()
	return cfg, nil
}

// applyEnv maps MESHLINK_SECTION_FIELD variables onto the struct.
func (c *Config) applyEnv(environ []string) {
	get := func(key string) (string, bool) {
		full := EnvPrefix + key
		for _, kv := range environ {
			name, value, ok := strings.Cut(kv, "=")
			if ok && name == full {
				return value, true
			}
		}
		return "", false
	}
	setStr := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := get(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setStr("DATA_ROOT", &c.Data.Root)
	setStr("DATA_NODES_BASE", &c.Data.NodesBase)
	setStr("DATA_PERSONAS_DIR", &c.Data.Personas)
	setStr("DATA_LOGS", &c.Data.Logs)
	setStr("MESHTASTIC_SERIAL_PORT", &c.Meshtastic.SerialPort)
	setInt("MESHTASTIC_BRIDGE_POLL_INTERVAL_MS", &c.Meshtastic.BridgePollIntervalMS)
	setStr("AI_DEFAULT_PERSONA", &c.AI.DefaultPersona)
	setInt("AI_POLL_INTERVAL_MS", &c.AI.PollIntervalMS)
	setInt("AI_MAX_MESSAGE_CHARS", &c.AI.MaxMessageChars)
	setInt("AI_MAX_CONTEXT_CHARS", &c.AI.MaxContextChars)
	setInt("AI_REPLY_COOLDOWN_SECONDS", &c.AI.ReplyCooldownSeconds)
	setStr("OLLAMA_BASE_URL", &c.Ollama.BaseURL)
	setStr("OLLAMA_MODEL_INSTRUCT", &c.Ollama.ModelInstruct)
	setStr("OLLAMA_MODEL_THINK", &c.Ollama.ModelThink)
}

// normalize backfills derived and out-of-range values.
func (c *Config) normalize() {
	if c.Data.NodesBase == "" {
		c.Data.NodesBase = filepath.Join(c.Data.Root, "nodes")
	}
	if c.Meshtastic.BridgePollIntervalMS <= 0 {
		c.Meshtastic.BridgePollIntervalMS = 500
	}
	if c.AI.PollIntervalMS <= 0 {
		c.AI.PollIntervalMS = 1000
	}
	if c.AI.MaxMessageChars <= 0 {
		c.AI.MaxMessageChars = 200
	}
	if c.AI.ContextMessages <= 0 {
		c.AI.ContextMessages = 10
	}
}

// BridgePollInterval is the radio poll period.
func (c Config) BridgePollInterval() time.Duration {
	return time.Duration(c.Meshtastic.BridgePollIntervalMS) * time.Millisecond
}

// AgentPollInterval is the thread scan period.
func (c Config) AgentPollInterval() time.Duration {
	return time.Duration(c.AI.PollIntervalMS) * time.Millisecond
}

// ReplyCooldown is the default per-thread dispatch cooldown.
func (c Config) ReplyCooldown() time.Duration {
	return time.Duration(c.AI.ReplyCooldownSeconds) * time.Second
}

// IgnoredChannel reports whether inbound rows on a channel index are
// excluded from dispatch.
func (c Config) IgnoredChannel(index int) bool {
	for _, ignored := range c.Meshtastic.IgnoreChannelIndexes {
		if ignored == index {
			return true
		}
	}
	return false
}
