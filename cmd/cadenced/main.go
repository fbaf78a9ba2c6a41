// Command cadenced is the main entry point for the Cadenced voice AI server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cadencevoice/cadenced/internal/app"
	"github.com/cadencevoice/cadenced/internal/config"
	"github.com/cadencevoice/cadenced/internal/observe"
	"github.com/cadencevoice/cadenced/pkg/provider/embeddings"
	embollama "github.com/cadencevoice/cadenced/pkg/provider/embeddings/ollama"
	embmock "github.com/cadencevoice/cadenced/pkg/provider/embeddings/mock"
	embopenaiprov "github.com/cadencevoice/cadenced/pkg/provider/embeddings/openai"
	"github.com/cadencevoice/cadenced/pkg/provider/llm"
	"github.com/cadencevoice/cadenced/pkg/provider/llm/anyllm"
	llmmock "github.com/cadencevoice/cadenced/pkg/provider/llm/mock"
	llmopenai "github.com/cadencevoice/cadenced/pkg/provider/llm/openai"
	"github.com/cadencevoice/cadenced/pkg/provider/stt"
	"github.com/cadencevoice/cadenced/pkg/provider/stt/deepgram"
	sttmock "github.com/cadencevoice/cadenced/pkg/provider/stt/mock"
	"github.com/cadencevoice/cadenced/pkg/provider/stt/whisper"
	"github.com/cadencevoice/cadenced/pkg/provider/tts"
	"github.com/cadencevoice/cadenced/pkg/provider/tts/coqui"
	"github.com/cadencevoice/cadenced/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/cadencevoice/cadenced/pkg/provider/tts/mock"
	"github.com/cadencevoice/cadenced/pkg/provider/vad"
	vadmock "github.com/cadencevoice/cadenced/pkg/provider/vad/mock"
)

const metricsShutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenced: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenced: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.System.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cadenced starting",
		"config", *configPath,
		"host", cfg.System.Host,
		"port", cfg.System.Port,
		"log_level", cfg.System.LogLevel,
		"character", cfg.Character.ConfUID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadenced",
		ServiceVersion: "dev",
	})
	if err != nil {
		slog.Error("failed to initialise observability provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := shutdownObserve(shutdownCtx); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	startMetricsServer(cfg)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers every provider factory that ships with
// Cadenced. Providers not selected by any character config are never
// instantiated — registration is cheap, so everything is always registered.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	for _, name := range []string{"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		name := name
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	reg.RegisterASR("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterASR("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		return whisper.New(e.BaseURL, opts...)
	})
	reg.RegisterASR("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
		modelPath, _ := e.Options["model_path"].(string)
		return whisper.NewNative(modelPath)
	})
	reg.RegisterASR("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		return coqui.New(e.BaseURL)
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenaiprov.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenaiprov.WithBaseURL(e.BaseURL))
		}
		return embopenaiprov.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return embollama.New(e.BaseURL, e.Model)
	})
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{}, nil
	})

	// No real VAD engine ships in this tree — only a client-signalled mock
	// exists upstream. "silero" is left unregistered on purpose; selecting
	// it surfaces config.ErrProviderNotRegistered at character-switch time
	// rather than silently degrading to the mock.
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})
}

// startMetricsServer mounts the Prometheus scrape endpoint on its own
// listener so it never shares a mux with the WebSocket Hub's "/ws" route.
func startMetricsServer(cfg *config.Config) {
	if cfg.System.MetricsPort == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf("%s:%d", cfg.System.Host, cfg.System.MetricsPort)
	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
