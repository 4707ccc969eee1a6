// Package config provides the configuration schema and loader for the
// voxtail server.
package config

// LogLevel controls log verbosity for the voxtail server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Chat      ChatConfig      `yaml:"chat"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus scrape endpoint listens
	// on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DiscordConfig holds the bot's connection settings. The token is usually
// supplied via the DISCORD_TOKEN environment variable instead.
type DiscordConfig struct {
	Token string `yaml:"token"`

	// GuildID scopes slash-command registration to one guild. Empty
	// registers the commands globally.
	GuildID string `yaml:"guild_id"`
}

// StorageConfig holds the database connection and file locations.
type StorageConfig struct {
	// PostgresDSN is the connection string for the meeting database. The
	// POSTGRES_DSN environment variable takes precedence.
	PostgresDSN string `yaml:"postgres_dsn"`

	// DataDir receives chunk files, recordings, and transcripts.
	DataDir string `yaml:"data_dir"`

	// EmbeddingDimensions is the vector column width. Must match the
	// configured embeddings model. Defaults to 768.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ProvidersConfig declares which backend serves each model concern.
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	STT        STTConfig     `yaml:"stt"`
	Reranker   ProviderEntry `yaml:"reranker"`
}

// ProviderEntry is the common configuration block shared by remote providers.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "ollama", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// STTConfig configures the local speech recognizer.
type STTConfig struct {
	// ModelPath points at the whisper.cpp model file.
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 code transcription assumes. Defaults to "en".
	Language string `yaml:"language"`
}

// ChatConfig tunes the retrieval-augmented chat assistant. Zero values use
// the chat package defaults.
type ChatConfig struct {
	HistoryLimit int `yaml:"history_limit"`
	SearchTopK   int `yaml:"search_top_k"`
	ContextK     int `yaml:"context_k"`
}
