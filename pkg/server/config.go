// Package server hosts the websocket listener: config, provider
// registration, hello negotiation, and the per-connection session glue
// between the socket and the dialog controller.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the daemon configuration, one YAML file.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Agent     AgentConfig     `yaml:"agent"`
	Dialog    DialogConfig    `yaml:"dialog"`
	Resume    ResumeConfig    `yaml:"resume"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ListenConfig is the socket listener configuration.
type ListenConfig struct {
	// Addr is the bind address, e.g. ":8000".
	Addr string `yaml:"addr"`
	// Path is the websocket endpoint path. Default "/voxloop/v1/".
	Path string `yaml:"path"`
	// IdleTimeout disconnects a session with no user activity for
	// this long. Default 120s; zero uses the default, negative
	// disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AgentConfig selects the providers and persona for new sessions.
type AgentConfig struct {
	// SystemPrompt seeds every LLM request.
	SystemPrompt string `yaml:"system_prompt"`
	// Welcome, when set, is spoken to the client right after hello.
	Welcome string `yaml:"welcome"`

	// ASR, LLM and TTS name registered providers, e.g.
	// "openai/gpt-4o-mini".
	ASR string `yaml:"asr"`
	LLM string `yaml:"llm"`
	TTS string `yaml:"tts"`

	// Sampling parameters passed through to the LLM.
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`
}

// DialogConfig overrides the controller's timing defaults. Zero values
// keep the defaults.
type DialogConfig struct {
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	FirstTokenTimeout time.Duration `yaml:"first_token_timeout"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`
	TTSChunkTimeout   time.Duration `yaml:"tts_chunk_timeout"`
}

// ResumeConfig configures the session resume cache.
type ResumeConfig struct {
	// Backend is "memory" (default) or "badger".
	Backend string `yaml:"backend"`
	// Dir is the badger data directory, resolved against
	// PROJECT_ROOT_PATH when relative.
	Dir string `yaml:"dir"`
	// TTL is how long a snapshot stays resumable.
	TTL time.Duration `yaml:"ttl"`
}

// ProvidersConfig declares the available providers, keyed by the
// registry pattern sessions select them with.
type ProvidersConfig struct {
	ASR map[string]ASRProviderConfig `yaml:"asr"`
	LLM map[string]LLMProviderConfig `yaml:"llm"`
	TTS map[string]TTSProviderConfig `yaml:"tts"`
}

// ASRProviderConfig configures one streaming recognizer. The pattern's
// leading segment selects the implementation; "volc" is the one that
// ships.
type ASRProviderConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	AppKey     string   `yaml:"app_key"`
	AccessKey  string   `yaml:"access_key"`
	ResourceID string   `yaml:"resource_id"`
	Language   string   `yaml:"language"`
	EnableITN  bool     `yaml:"enable_itn"`
	EnablePunc bool     `yaml:"enable_punc"`
	Hotwords   []string `yaml:"hotwords"`
}

// LLMProviderConfig configures one chat driver ("openai" or "gemini"
// leading segment).
type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Model is the upstream model id; defaults to the pattern's model
	// segment.
	Model string `yaml:"model"`
}

// TTSProviderConfig configures one synthesizer ("openai" leading
// segment).
type TTSProviderConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	Voice        string  `yaml:"voice"`
	Speed        float64 `yaml:"speed"`
	Instructions string  `yaml:"instructions"`
}

// DefaultIdleTimeout is how long a session may sit without user
// activity before the server disconnects it.
const DefaultIdleTimeout = 120 * time.Second

// DefaultPath is the default websocket endpoint path.
const DefaultPath = "/voxloop/v1/"

// LoadConfig reads and validates the YAML config at path. Relative
// paths inside the config resolve against PROJECT_ROOT_PATH when that
// is set.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(resolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("server: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("server: parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Agent.ASR == "" || c.Agent.LLM == "" || c.Agent.TTS == "" {
		return fmt.Errorf("server: agent must select asr, llm and tts providers")
	}
	for _, sel := range []struct {
		name, pattern string
		ok            bool
	}{
		{"asr", c.Agent.ASR, hasProvider(keysOf(c.Providers.ASR), c.Agent.ASR)},
		{"llm", c.Agent.LLM, hasProvider(keysOf(c.Providers.LLM), c.Agent.LLM)},
		{"tts", c.Agent.TTS, hasProvider(keysOf(c.Providers.TTS), c.Agent.TTS)},
	} {
		if !sel.ok {
			return fmt.Errorf("server: agent selects %s %q but no provider config matches", sel.name, sel.pattern)
		}
	}
	if c.Resume.Backend != "" && c.Resume.Backend != "memory" && c.Resume.Backend != "badger" {
		return fmt.Errorf("server: unknown resume backend %q", c.Resume.Backend)
	}
	if c.Resume.Backend == "badger" && c.Resume.Dir == "" {
		return fmt.Errorf("server: resume backend badger needs a dir")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Addr == "" {
		c.Listen.Addr = ":8000"
	}
	if c.Listen.Path == "" {
		c.Listen.Path = DefaultPath
	}
	if c.Listen.IdleTimeout == 0 {
		c.Listen.IdleTimeout = DefaultIdleTimeout
	}
	if c.Resume.Backend == "" {
		c.Resume.Backend = "memory"
	}
	c.Resume.Dir = resolvePath(c.Resume.Dir)
}

func keysOf[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// hasProvider reports whether any configured pattern could match the
// selection. Wildcard patterns are checked per segment the way the
// registry does.
func hasProvider(patterns []string, name string) bool {
	nameSegs := strings.Split(name, "/")
	for _, p := range patterns {
		if patternMatches(strings.Split(p, "/"), nameSegs) {
			return true
		}
	}
	return false
}

func patternMatches(pat, name []string) bool {
	for i, seg := range pat {
		if seg == "#" {
			return true
		}
		if i >= len(name) {
			return false
		}
		if seg != "+" && seg != name[i] {
			return false
		}
	}
	return len(pat) == len(name)
}

// resolvePath joins a relative path to PROJECT_ROOT_PATH when that env
// var is set; absolute paths and empty values pass through.
func resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if root := os.Getenv("PROJECT_ROOT_PATH"); root != "" {
		return filepath.Join(root, p)
	}
	return p
}

// expandSecret resolves "$ENV_VAR" references in credential fields so
// config files do not need keys inline.
func expandSecret(s string) string {
	if strings.HasPrefix(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
