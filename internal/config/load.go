package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file, layered under
// PULSE_* environment variables, layered under defaults.
//
// Precedence: env > file > defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pulse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pulse")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// errorsAs is a tiny indirection so Load stays readable.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	v, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = v
	}
	return ok
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("agent.id", "main")
	v.SetDefault("agent.name", "Pulse")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.history_limit", 20)
	v.SetDefault("agent.memory_limit", 10)

	v.SetDefault("stream.url", "http://localhost:3218")
	v.SetDefault("stream.username", "default")
	v.SetDefault("stream.timeout", 30*time.Second)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.cache_size", 10000)

	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.backend", "stream")
	v.SetDefault("memory.similarity_threshold", 0.95)

	v.SetDefault("workspace.enabled", true)
	v.SetDefault("workspace.base_dir", "./workspace")
	v.SetDefault("workspace.port", 8001)
	v.SetDefault("workspace.agent_host", "localhost")
	v.SetDefault("workspace.api_server_url", "http://localhost:8000")
	v.SetDefault("workspace.python_bin", "python3")
	v.SetDefault("workspace.boot_timeout", 3*time.Second)
	v.SetDefault("workspace.stop_grace", 5*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.proxy_timeout", 30*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("skills.shell.enabled", true)
	v.SetDefault("skills.fileops.enabled", true)
	v.SetDefault("skills.fileops.base_path", "./data")
	v.SetDefault("skills.websearch.provider", "brave")
}

// Validate rejects configurations that cannot produce a working process.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Memory.SimilarityThreshold <= 0 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be in (0, 1], got %v", c.Memory.SimilarityThreshold)
	}
	switch c.Memory.Backend {
	case "", "stream", "local":
	default:
		return fmt.Errorf("memory.backend must be \"stream\" or \"local\", got %q", c.Memory.Backend)
	}
	return nil
}
