package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/handlers"
	"github.com/gpt-relay-bot-go/internal/i18n"
	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/gpt-relay-bot-go/internal/services/ai"
	"github.com/gpt-relay-bot-go/internal/services/cache"
	"github.com/gpt-relay-bot-go/internal/services/settings"
	"github.com/gpt-relay-bot-go/internal/services/storage"
	"github.com/gpt-relay-bot-go/internal/services/user"
	"github.com/gpt-relay-bot-go/internal/transport"
	"github.com/gpt-relay-bot-go/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("transport", cfg.Bot.Transport).Info("Starting GPT relay bot...")
	if cfg.Bot.AdminID == "" {
		log.Warn("No admin id configured, admin commands are unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()

	db, err := storageManager.Open(ctx, "db")
	if err != nil {
		log.WithError(err).Fatal("Failed to open global database")
	}
	defer db.Close()
	globalSettings, err := settings.New(db, cfg.Settings, cfg.Storage.Dir, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load settings")
	}
	shares, err := user.NewShareList(db)
	if err != nil {
		log.WithError(err).Fatal("Failed to load share list")
	}

	keys, err := ai.NewKeyRing(cfg.OpenAI.KeysFile, cfg.OpenAI.APIKeys, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load api keys")
	}
	if len(keys.Keys()) == 0 {
		log.Warn("No api keys configured, completions will fail until one is added")
	}
	openAI := ai.NewOpenAI(&cfg.OpenAI, keys, log)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	bot, err := newTransport(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize transport")
	}
	defer bot.Close()

	registry, err := cache.NewRegistry(cfg.Cache.MaxUsers, user.Deps{
		Store:       storageManager,
		Settings:    globalSettings,
		Completer:   openAI,
		Images:      openAI,
		Translator:  localizer,
		RenderImage: bot.RenderImage,
		Logger:      log,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize session cache")
	}
	if err := registry.Scan(ctx); err != nil {
		log.WithError(err).Error("Failed to scan stored profiles")
	}

	prefix := cfg.Bot.CommandPrefix
	commandRouter := handlers.NewCommandRouter(prefix, cfg.Bot.AdminID, localizer, log)
	commandRouter.Register(handlers.NewUserCommands(registry, shares, globalSettings, localizer, prefix, log).Commands()...)
	commandRouter.Register(handlers.NewAdminCommands(registry, globalSettings, keys, localizer, prefix, log).Commands()...)

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)
	messageRouter := handlers.NewMessageRouter(commandRouter, registry, globalSettings, rateLimiter, localizer, prefix, log)

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.Monitoring.Metrics.Enabled {
		metricsServer = middleware.NewMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path)
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	go startPeriodicTasks(ctx, rateLimiter, registry, middleware.NewMetrics(), log)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx, messageRouter.Handle)
	}()

	select {
	case <-sigChan:
		log.Info("Shutdown signal received")
	case err := <-runErr:
		// a lost chat connection ends the process so a supervisor can restart it
		log.WithError(err).Error("Transport stopped")
		cancel()
		shutdown(metricsServer, log)
		storageManager.Close()
		os.Exit(1)
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		log.Warn("Transport did not stop in time")
	}
	shutdown(metricsServer, log)

	log.Info("Bot stopped")
}

func newTransport(cfg *config.Config, log *logrus.Logger) (transport.Transport, error) {
	switch cfg.Bot.Transport {
	case config.TransportTelegram:
		tg, err := transport.NewTelegram(&cfg.Bot.Telegram, cfg.Bot.CommandPrefix, log)
		if err != nil {
			return nil, err
		}
		return tg, nil
	default:
		return transport.NewOneBot(&cfg.Bot.OneBot, log), nil
	}
}

func shutdown(metricsServer *http.Server, log *logrus.Logger) {
	if metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Failed to stop metrics server")
	}
}

// startPeriodicTasks starts periodic background tasks
func startPeriodicTasks(ctx context.Context, limiter *middleware.IdentityRateLimiter, registry *cache.Registry, metrics *middleware.Metrics, log *logrus.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Cleanup(); removed > 0 {
				log.WithField("removed", removed).Debug("Rate limiter buckets pruned")
			}
			metrics.SetActiveSessions(registry.Len())
		}
	}
}
