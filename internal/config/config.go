package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Host string `koanf:"host"`
		Port int    `koanf:"port"`
	} `koanf:"server"`

	DataDir  string `koanf:"data_dir"`
	RolesDir string `koanf:"roles_dir"`

	// LLM holds the environment-default provider. The provider registry
	// synthesizes a "default" account from these values; additional
	// accounts come from <data_dir>/providers.json.
	LLM struct {
		BaseURL string `koanf:"base_url"`
		APIKey  string `koanf:"api_key"`
		Model   string `koanf:"model"`
	} `koanf:"llm"`

	Judge struct {
		MaxTokens   int     `koanf:"max_tokens"`
		Temperature float64 `koanf:"temperature"`
	} `koanf:"judge"`

	Stream struct {
		ChunkSize int `koanf:"chunk_size"`
	} `koanf:"stream"`

	Logging struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"logging"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.host":       "0.0.0.0",
		"server.port":       8801,
		"data_dir":          "./data",
		"roles_dir":         "./roles",
		"judge.max_tokens":  16,
		"judge.temperature": 0.0,
		"stream.chunk_size": 64,
		"logging.level":     "info",
		"logging.pretty":    false,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./rolechat.toml", "./data/rolechat.toml", "$HOME/.rolechat.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix ROLECHAT_
	k.Load(env.Provider("ROLECHAT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ROLECHAT_")), "_", ".", -1)
	}), nil)

	// The original deployment configured the LLM endpoint through bare
	// env vars; keep honoring them so a .env file alone is enough.
	for key, envName := range map[string]string{
		"llm.base_url": "LLM_BASE_URL",
		"llm.api_key":  "LLM_API_KEY",
		"llm.model":    "LLM_MODEL",
	} {
		if v := os.Getenv(envName); v != "" {
			k.Load(confmap.Provider(map[string]interface{}{key: v}, "."), nil)
		}
	}

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	config.LLM.BaseURL = strings.TrimRight(config.LLM.BaseURL, "/")

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# RoleChat Configuration

data_dir = "./data"
roles_dir = "./roles"

[server]
host = "0.0.0.0"
port = 8801

[llm]
base_url = "http://localhost:8001"
api_key = "your-api-key"
model = "qwen2"

[judge]
max_tokens = 16
temperature = 0.0

[stream]
chunk_size = 64

[logging]
level = "info"
pretty = true
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required (set ROLECHAT_LLM_BASE_URL or LLM_BASE_URL)")
	}
	if config.LLM.Model == "" {
		return fmt.Errorf("llm.model is required (set ROLECHAT_LLM_MODEL or LLM_MODEL)")
	}
	if config.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if config.Judge.MaxTokens <= 0 {
		return fmt.Errorf("judge.max_tokens must be positive")
	}
	if config.Stream.ChunkSize <= 0 {
		return fmt.Errorf("stream.chunk_size must be positive")
	}
	return nil
}
