// Command voxtail is the main entry point for the voxtail meeting recorder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrad/voxtail/internal/chat"
	"github.com/kestrad/voxtail/internal/config"
	discordbot "github.com/kestrad/voxtail/internal/discord"
	"github.com/kestrad/voxtail/internal/gpu"
	"github.com/kestrad/voxtail/internal/observe"
	"github.com/kestrad/voxtail/internal/pipeline"
	rerankgpu "github.com/kestrad/voxtail/internal/rerank"
	"github.com/kestrad/voxtail/internal/session"
	"github.com/kestrad/voxtail/internal/store"
	"github.com/kestrad/voxtail/internal/store/memory"
	"github.com/kestrad/voxtail/internal/store/postgres"
	"github.com/kestrad/voxtail/internal/transcode"
	"github.com/kestrad/voxtail/pkg/provider/embeddings"
	ollamaembed "github.com/kestrad/voxtail/pkg/provider/embeddings/ollama"
	oaembed "github.com/kestrad/voxtail/pkg/provider/embeddings/openai"
	"github.com/kestrad/voxtail/pkg/provider/llm"
	"github.com/kestrad/voxtail/pkg/provider/llm/anyllm"
	"github.com/kestrad/voxtail/pkg/provider/rerank"
	"github.com/kestrad/voxtail/pkg/provider/stt/whisper"
)

const (
	defaultEmbeddingDimensions = 768
	cleaningInterval           = 24 * time.Hour
	shutdownTimeout            = 30 * time.Second
	rerankerTimeout            = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file is optional; real environments set the variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxtail: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxtail: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("voxtail starting", "config", *configPath, "log_level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", cfg.Storage.DataDir, "err", err)
		return 1
	}

	dims := cfg.Storage.EmbeddingDimensions
	if dims <= 0 {
		dims = defaultEmbeddingDimensions
	}
	dsn := cfg.Storage.PostgresDSN
	if env := os.Getenv("POSTGRES_DSN"); env != "" {
		dsn = env
	}

	var (
		st         store.Store
		vectors    store.VectorIndex
		closeStore func()
	)
	if dsn != "" {
		pg, err := postgres.New(ctx, dsn, dims)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		st, vectors, closeStore = pg, pg, pg.Close
		slog.Info("postgres connected", "embedding_dimensions", dims)
	} else {
		mem := memory.New()
		st, vectors, closeStore = mem, mem, func() {}
		slog.Warn("running with in-memory store; nothing will survive a restart")
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	embedProvider, err := buildEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}
	if cfg.Providers.STT.ModelPath == "" {
		slog.Error("providers.stt.model_path is required")
		return 1
	}
	var sttOpts []whisper.Option
	if cfg.Providers.STT.Language != "" {
		sttOpts = append(sttOpts, whisper.WithLanguage(cfg.Providers.STT.Language))
	}
	sttProvider, err := whisper.New(cfg.Providers.STT.ModelPath, sttOpts...)
	if err != nil {
		slog.Error("failed to load whisper model", "err", err)
		return 1
	}

	arbitrator := gpu.New()

	var reranker *rerankgpu.Reranker
	if baseURL := cfg.Providers.Reranker.BaseURL; baseURL != "" {
		reranker = rerankgpu.New(arbitrator, func() (rerank.Scorer, error) {
			return rerank.NewHTTPScorer(baseURL, rerankerTimeout)
		})
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	token := cfg.Discord.Token
	if env := os.Getenv("DISCORD_TOKEN"); env != "" {
		token = env
	}

	var bot *discordbot.Bot
	var notifier pipeline.Notifier
	if token != "" {
		bot, err = discordbot.New(ctx, discordbot.Config{Token: token, GuildID: cfg.Discord.GuildID})
		if err != nil {
			slog.Error("failed to create discord bot", "err", err)
			return 1
		}
		notifier = discordbot.NewDMNotifier(bot.Session(), st)
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	} else {
		notifier = pipeline.NopNotifier{}
		slog.Warn("discord token not set; running without the bot")
	}

	// ── Pipeline and sessions ─────────────────────────────────────────────────
	transcoder := transcode.New(st)

	orchestrator, err := pipeline.New(pipeline.Config{
		Store:      st,
		Vectors:    vectors,
		GPU:        arbitrator,
		STT:        sttProvider,
		LLM:        llmProvider,
		Embeddings: embedProvider,
		Notifier:   notifier,
		Dir:        cfg.Storage.DataDir,
	})
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}
	orchestrator.StartCleaner(ctx, cleaningInterval)

	chatCfg := chat.Config{
		Store:        st,
		Vectors:      vectors,
		GPU:          arbitrator,
		LLM:          llmProvider,
		Embeddings:   embedProvider,
		HistoryLimit: cfg.Chat.HistoryLimit,
		SearchTopK:   cfg.Chat.SearchTopK,
		ContextK:     cfg.Chat.ContextK,
	}
	if reranker != nil {
		chatCfg.Reranker = reranker
	}
	chatService, err := chat.New(chatCfg)
	if err != nil {
		slog.Error("failed to build chat service", "err", err)
		return 1
	}

	sessions, err := session.NewManager(session.Config{
		Store:      st,
		Transcodes: transcoder,
		Pipeline:   orchestrator,
		Dir:        cfg.Storage.DataDir,
	})
	if err != nil {
		slog.Error("failed to build session manager", "err", err)
		return 1
	}

	// ── Commands and run loop ─────────────────────────────────────────────────
	var commands *discordbot.Commands
	if bot != nil {
		commands = &discordbot.Commands{
			Sessions: sessions,
			Pipeline: orchestrator,
			Chat:     chatService,
			Store:    st,
		}
		commands.Register(bot)
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}

	slog.Info("voxtail ready")
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking interactions and audio first, then finalize the live
	// sessions so their meetings enter the pipeline.
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}
	if commands != nil {
		commands.StopAllRecorders()
	}
	sessions.StopAll(shutdownCtx)

	// Drain the workers in processing order.
	transcoder.Stop()
	orchestrator.Stop(true)
	chatService.Stop()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	closeStore()

	slog.Info("goodbye")
	return 0
}

// buildLLM constructs the configured chat/summarization model behind a
// retrying wrapper.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, errors.New("providers.llm must be configured")
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	p, err := anyllm.New(entry.Name, entry.Model, opts...)
	if err != nil {
		return nil, err
	}
	return llm.NewRetrying(p, 3, 2*time.Second), nil
}

// buildEmbeddings constructs the configured embeddings backend.
func buildEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "ollama":
		return ollamaembed.New(entry.BaseURL, entry.Model)
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	case "":
		return nil, errors.New("providers.embeddings must be configured")
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", entry.Name)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
