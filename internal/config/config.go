// Package config handles Switchyard configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/switchyard/internal/chat"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/switchyard/config.yaml, /etc/switchyard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "switchyard", "config.yaml"))
	}

	paths = append(paths, "/etc/switchyard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Switchyard configuration. A single value is built at
// process start and handed to every constructor that needs it.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Models       ModelsConfig       `yaml:"models"`
	Agents       AgentsConfig       `yaml:"agents"`
	ToolRouter   ToolRouterConfig   `yaml:"tool_router"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Search       SearchConfig       `yaml:"search"`
	Strategies   StrategiesConfig   `yaml:"strategies"`
	AgentService AgentServiceConfig `yaml:"agent_service"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	SystemPrompt string             `yaml:"system_prompt"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines the completion providers and the model catalog.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	OpenAI    OpenAIConfig  `yaml:"openai"`
	Available []ModelConfig `yaml:"available"`
}

// OpenAIConfig points at any OpenAI-compatible chat completions API.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ModelConfig defines a single model and the routing flags it carries.
type ModelConfig struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	Provider          string `yaml:"provider"` // ollama, openai
	TokenLimit        int    `yaml:"token_limit"`
	SearchModeEnabled bool   `yaml:"search_mode_enabled"`
	AzureAgentMode    bool   `yaml:"agent_mode"`
	AgentID           string `yaml:"agent_id"`
}

// Model converts the catalog entry into the routing view of a model.
func (m ModelConfig) Model() chat.ModelConfig {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return chat.ModelConfig{
		ID:                m.ID,
		Name:              name,
		TokenLimit:        m.TokenLimit,
		SearchModeEnabled: m.SearchModeEnabled,
		AzureAgentMode:    m.AzureAgentMode,
		AgentID:           m.AgentID,
	}
}

// AgentsConfig controls the intent classification and agent execution
// pipeline.
type AgentsConfig struct {
	Enabled             bool                       `yaml:"enabled"`
	EnabledTypes        []string                   `yaml:"enabled_types"`
	ConfidenceThreshold float64                    `yaml:"confidence_threshold"`
	IntentTimeoutSec    int                        `yaml:"intent_timeout_sec"`
	ExecutionTimeoutSec int                        `yaml:"execution_timeout_sec"`
	ClassifierModel     string                     `yaml:"classifier_model"`
	PerType             map[string]AgentTypeConfig `yaml:"types"`
}

// AgentTypeConfig holds per-agent overrides. A nil threshold defers to
// the global one.
type AgentTypeConfig struct {
	Enabled             bool     `yaml:"enabled"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
}

// IntentTimeout returns the classification timeout (default 5s).
func (c AgentsConfig) IntentTimeout() time.Duration {
	if c.IntentTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntentTimeoutSec) * time.Second
}

// ExecutionTimeout returns the agent execution timeout (default 30s).
func (c AgentsConfig) ExecutionTimeout() time.Duration {
	if c.ExecutionTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ExecutionTimeoutSec) * time.Second
}

// ToolRouterConfig selects the small model used for web-search decisions.
type ToolRouterConfig struct {
	Model string `yaml:"model"`
}

// RetrievalConfig configures knowledge-base search.
type RetrievalConfig struct {
	ReformulationModel string                `yaml:"reformulation_model"`
	IndexPath          string                `yaml:"index_path"`
	KnowledgeBases     []KnowledgeBaseConfig `yaml:"knowledge_bases"`
}

// KnowledgeBaseConfig registers one knowledge base (a bot id) against
// the search index.
type KnowledgeBaseConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	ResultCount     int    `yaml:"result_count"`
	SemanticProfile string `yaml:"semantic_profile"`
}

// SearchConfig configures web search providers.
type SearchConfig struct {
	Provider    string        `yaml:"provider"` // brave, searxng
	ResultCount int           `yaml:"result_count"`
	Brave       BraveConfig   `yaml:"brave"`
	SearXNG     SearXNGConfig `yaml:"searxng"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig holds the SearXNG instance URL.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// StrategiesConfig decides where each backend strategy runs. Strategies
// listed in Remote are served by RemoteURL; the rest run in-process.
type StrategiesConfig struct {
	RemoteURL     string              `yaml:"remote_url"`
	APIKey        string              `yaml:"api_key"`
	Remote        []string            `yaml:"remote"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

// TranscriptionConfig points at an OpenAI-compatible transcription API.
type TranscriptionConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// AgentServiceConfig points at the hosted agent service exposing
// intent-analysis, agent/execute and optimize-query. When URL is empty
// the in-process classifier and executor are used.
type AgentServiceConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// MQTTConfig configures the status publisher.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`

	// BaseTopic defaults to "switchyard/<device_name>".
	BaseTopic          string `yaml:"base_topic"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if t := c.Agents.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("agents.confidence_threshold %v out of range [0,1]", t))
	}
	for name, tc := range c.Agents.PerType {
		if tc.ConfidenceThreshold != nil && (*tc.ConfidenceThreshold < 0 || *tc.ConfidenceThreshold > 1) {
			errs = append(errs, fmt.Errorf("agents.types.%s.confidence_threshold %v out of range [0,1]", name, *tc.ConfidenceThreshold))
		}
	}

	seen := make(map[string]bool)
	for _, kb := range c.Retrieval.KnowledgeBases {
		if kb.ID == "" {
			errs = append(errs, errors.New("retrieval.knowledge_bases: id is required"))
			continue
		}
		if seen[kb.ID] {
			errs = append(errs, fmt.Errorf("retrieval.knowledge_bases: duplicate id %q", kb.ID))
		}
		seen[kb.ID] = true
	}

	if len(c.Strategies.Remote) > 0 && c.Strategies.RemoteURL == "" {
		errs = append(errs, errors.New("strategies.remote requires strategies.remote_url"))
	}

	return errors.Join(errs...)
}

// FindModel returns the catalog entry with the given id.
func (c *Config) FindModel(id string) (ModelConfig, bool) {
	for _, m := range c.Models.Available {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{ID: "qwen3:4b", Provider: "ollama", TokenLimit: 8192},
				{ID: "qwen3:4b-search", Name: "qwen3:4b", Provider: "ollama", TokenLimit: 8192, SearchModeEnabled: true},
			},
		},
		Agents: AgentsConfig{
			ConfidenceThreshold: 0.7,
			IntentTimeoutSec:    5,
			ExecutionTimeoutSec: 30,
		},
		Search: SearchConfig{
			Provider:    "searxng",
			ResultCount: 5,
		},
		MQTT: MQTTConfig{
			DeviceName:         "switchyard",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		DataDir: "./db",
	}
}
