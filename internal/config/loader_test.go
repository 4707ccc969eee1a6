package config_test

import (
	"strings"
	"testing"

	"github.com/kestrad/voxtail/internal/config"
)

const validYAML = `
server:
  log_level: debug
  metrics_addr: ":9090"
discord:
  guild_id: "123"
storage:
  postgres_dsn: "postgres://voxtail@localhost/voxtail"
  data_dir: "/var/lib/voxtail"
  embedding_dimensions: 768
providers:
  llm:
    name: ollama
    base_url: "http://localhost:11434"
    model: "llama3.1"
  embeddings:
    name: ollama
    model: "nomic-embed-text"
  stt:
    model_path: "/models/ggml-base.en.bin"
    language: en
chat:
  history_limit: 10
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %s, want debug", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Model != "llama3.1" {
		t.Errorf("llm model = %s, want llama3.1", cfg.Providers.LLM.Model)
	}
	if cfg.Storage.EmbeddingDimensions != 768 {
		t.Errorf("embedding dimensions = %d, want 768", cfg.Storage.EmbeddingDimensions)
	}
	if cfg.Chat.HistoryLimit != 10 {
		t.Errorf("history limit = %d, want 10", cfg.Chat.HistoryLimit)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_levle: info\n"))
	if err == nil {
		t.Fatal("accepted a misspelled field")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Server.LogLevel = "verbose"
	cfg.Providers.LLM.Name = "ollama" // model missing
	cfg.Chat.ContextK = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{"server.log_level", "storage.data_dir", "providers.llm.model", "chat.context_k"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_MinimalConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Storage.DataDir = "/tmp/voxtail"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
