package config

import "time"

// Config is the root configuration for every pulse process.
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Stream    StreamConfig    `mapstructure:"stream"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Server    ServerConfig    `mapstructure:"server"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Skills    SkillsConfig    `mapstructure:"skills"`
	LogLevel  string          `mapstructure:"log_level"`
}

// AgentConfig controls the agent identity and the reasoning loop bounds.
type AgentConfig struct {
	ID            string `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	Identity      string `mapstructure:"identity"`
	Instructions  string `mapstructure:"instructions"`
	ModelInfo     string `mapstructure:"model_info"`
	MaxIterations int    `mapstructure:"max_iterations"`
	HistoryLimit  int    `mapstructure:"history_limit"`
	MemoryLimit   int    `mapstructure:"memory_limit"`
}

// StreamConfig points at the streaming SQL database's HTTP endpoint.
type StreamConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LLMConfig selects and configures the reasoning provider.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"` // "openai", "anthropic", "ollama", "nvidia"
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"` // "openai", "ollama", ""
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	CacheSize int    `mapstructure:"cache_size"`
}

// MemoryConfig controls the semantic memory store.
type MemoryConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	Backend             string  `mapstructure:"backend"` // "stream" or "local"
	LocalPath           string  `mapstructure:"local_path"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// WorkspaceConfig controls the agent workspace and its public exposure.
type WorkspaceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseDir        string        `mapstructure:"base_dir"`
	Port           int           `mapstructure:"port"`
	AgentHost      string        `mapstructure:"agent_host"`
	APIServerURL   string        `mapstructure:"api_server_url"`
	InternalAPIKey string        `mapstructure:"internal_api_key"`
	PythonBin      string        `mapstructure:"python_bin"`
	BootTimeout    time.Duration `mapstructure:"boot_timeout"`
	StopGrace      time.Duration `mapstructure:"stop_grace"`
}

// ServerConfig controls the public API server process.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	InternalAPIKey string        `mapstructure:"internal_api_key"`
	ProxyTimeout   time.Duration `mapstructure:"proxy_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Debug          bool          `mapstructure:"debug"`
}

// ChannelsConfig enables inbound channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig configures the Telegram long-polling adapter.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
}

// SkillsConfig enables and configures the built-in skills.
type SkillsConfig struct {
	Shell     ShellSkillConfig     `mapstructure:"shell"`
	FileOps   FileOpsSkillConfig   `mapstructure:"fileops"`
	WebSearch WebSearchSkillConfig `mapstructure:"websearch"`
	Packs     PackSkillConfig      `mapstructure:"packs"`
}

// ShellSkillConfig configures the shell execution skill.
type ShellSkillConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AllowedCommands []string      `mapstructure:"allowed_commands"`
	WorkDir         string        `mapstructure:"work_dir"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// FileOpsSkillConfig configures the sandboxed file skill.
type FileOpsSkillConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	BasePath          string   `mapstructure:"base_path"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// PackSkillConfig configures loading of external skill packages, directories
// of SKILL.md-described skills the model can load on demand.
type PackSkillConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Dirs    []string `mapstructure:"dirs"`
}

// WebSearchSkillConfig configures the web search skill.
type WebSearchSkillConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Provider   string `mapstructure:"provider"` // "brave" or "searxng"
	APIKey     string `mapstructure:"api_key"`
	SearxngURL string `mapstructure:"searxng_url"`
}
