package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/medivoice/backend/internal/config"
	"github.com/zhouzirui/medivoice/backend/internal/handler"
	"github.com/zhouzirui/medivoice/backend/internal/logger"
	"github.com/zhouzirui/medivoice/backend/internal/metrics"
	"github.com/zhouzirui/medivoice/backend/internal/middleware"
	"github.com/zhouzirui/medivoice/backend/internal/model/doctor"
	"github.com/zhouzirui/medivoice/backend/internal/repository"
	"github.com/zhouzirui/medivoice/backend/internal/service/ai"
	"github.com/zhouzirui/medivoice/backend/internal/service/consultation"
	"github.com/zhouzirui/medivoice/backend/internal/service/enrichment"
	"github.com/zhouzirui/medivoice/backend/internal/service/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	m := metrics.New()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open session store")
	}
	defer store.Close()
	log.Info().Str("backend", cfg.Storage.Backend).Msg("session store ready")

	doctors, err := loadDoctors(cfg.DoctorCatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load doctor catalog")
	}

	deps := consultation.Dependencies{
		Store:   store,
		Doctors: doctors,
		Metrics: m,
	}

	if cfg.AI.Enabled() {
		chat, report, err := newCompleters(ctx, cfg.AI)
		if err != nil {
			log.Warn().Err(err).Str("provider", cfg.AI.Provider).Msg("failed to initialize LLM, replies fall back to the unavailable message")
		} else {
			deps.Completer = chat
			deps.ReportCompleter = report
			log.Info().Str("provider", cfg.AI.Provider).Msg("LLM completer initialized")
		}
	} else {
		log.Warn().Str("provider", cfg.AI.Provider).Msg("LLM 凭证未配置，跳过模型初始化")
	}

	if cfg.Enrichment.Enabled() {
		deps.Enricher = enrichment.NewClient(enrichment.Config{
			URL:         cfg.Enrichment.URL,
			APIKey:      cfg.Enrichment.APIKey,
			Timeout:     cfg.Enrichment.Timeout,
			MaxAttempts: cfg.Enrichment.MaxAttempts,
			Backoff:     cfg.Enrichment.Backoff,
		}, nil)
		log.Info().Msg("enrichment client initialized")
	} else {
		log.Info().Msg("ENRICHMENT_URL 未配置，跳过医学关键词分析")
	}

	if cfg.Speech.STTEnabled() || cfg.Speech.TTSEnabled() {
		speechSvc := speech.NewService(speech.Config{
			STTURL:       cfg.Speech.STTURL,
			TTSURL:       cfg.Speech.TTSURL,
			APIKey:       cfg.Speech.APIKey,
			STTTimeout:   cfg.Speech.STTTimeout,
			TTSTimeout:   cfg.Speech.TTSTimeout,
			MaxTTSChars:  cfg.Speech.TTSMaxChars,
			DefaultVoice: cfg.Speech.DefaultVoice,
		}, nil)
		if cfg.Speech.STTEnabled() {
			deps.Transcriber = speechSvc
		}
		if cfg.Speech.TTSEnabled() {
			deps.Synthesizer = speechSvc
		}
		log.Info().Bool("stt", cfg.Speech.STTEnabled()).Bool("tts", cfg.Speech.TTSEnabled()).Msg("speech service initialized")
	} else {
		log.Info().Msg("语音服务未配置，跳过语音功能初始化")
	}

	svc, err := consultation.NewService(deps, consultation.Options{
		CompletionTimeout: cfg.AI.CompletionTimeout,
		EnrichmentTimeout: cfg.Enrichment.Budget(),
		SynthesisTimeout:  cfg.Speech.TTSTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create consultation service")
	}

	auth, err := newAuthenticator(cfg.Auth, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure authentication")
	}

	router := handler.NewRouter(handler.Dependencies{
		Turns:         svc,
		Reports:       svc,
		Doctors:       doctors,
		Authenticator: auth,
		Limiter:       middleware.NewFixedWindowLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
		Metrics:       m,
		Logger:        log,

		TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
	})

	startServer(ctx, log, cfg.Server, router)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (repository.Store, error) {
	switch cfg.Backend {
	case config.StoragePostgres:
		return repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StorageSQLite:
		return repository.NewSQLiteStore(cfg.SQLitePath)
	default:
		return repository.NewMemoryStore(), nil
	}
}

func loadDoctors(path string) (doctor.Store, error) {
	if path == "" {
		return doctor.NewMemoryStore(doctor.Seed()), nil
	}
	doctors, err := doctor.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	return doctor.NewMemoryStore(doctors), nil
}

// newCompleters 返回对话与报告使用的模型，Ark 下两者相同。
func newCompleters(ctx context.Context, cfg config.AIConfig) (ai.Completer, ai.Completer, error) {
	if cfg.Provider == config.ProviderOpenAI {
		openAICfg := ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.CompletionTimeout,
		}
		if cfg.Temperature != nil {
			openAICfg.Temperature = float32(*cfg.Temperature)
		}
		if cfg.MaxTokens != nil {
			openAICfg.MaxTokens = *cfg.MaxTokens
		}
		chat, err := ai.NewOpenAICompleter(openAICfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.ReportModel == cfg.OpenAIModel {
			return chat, chat, nil
		}
		openAICfg.Model = cfg.ReportModel
		report, err := ai.NewOpenAICompleter(openAICfg)
		if err != nil {
			return nil, nil, err
		}
		return chat, report, nil
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, nil, err
	}
	completer, err := ai.NewChainCompleter(ctx, chatModel, cfg.CompletionTimeout)
	if err != nil {
		return nil, nil, err
	}
	return completer, completer, nil
}

func newAuthenticator(cfg config.AuthConfig, log zerolog.Logger) (middleware.Authenticator, error) {
	if cfg.Enabled() {
		return middleware.NewJWTAuthenticator(cfg.JWTSecret, cfg.Issuer)
	}
	log.Warn().Msg("AUTH_JWT_SECRET 未配置，使用 X-Owner-ID 请求头识别调用方，仅限本地开发")
	return middleware.HeaderAuthenticator{}, nil
}

func startServer(ctx context.Context, log zerolog.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("MediVoice backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
