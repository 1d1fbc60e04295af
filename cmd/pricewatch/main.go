package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/pricewatch/internal/cache"
	"github.com/rewired-gh/pricewatch/internal/config"
	"github.com/rewired-gh/pricewatch/internal/email"
	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/models"
	"github.com/rewired-gh/pricewatch/internal/monitor"
	"github.com/rewired-gh/pricewatch/internal/pricing"
	"github.com/rewired-gh/pricewatch/internal/push"
	"github.com/rewired-gh/pricewatch/internal/resilience"
	"github.com/rewired-gh/pricewatch/internal/scheduler"
	"github.com/rewired-gh/pricewatch/internal/server"
	"github.com/rewired-gh/pricewatch/internal/storage"
	"github.com/rewired-gh/pricewatch/internal/telegram"
	"github.com/rewired-gh/pricewatch/internal/tracing"
)

var (
	configPath   = flag.String("config", "configs/config.yaml", "Path to configuration file")
	generateKeys = flag.Bool("generate-vapid-keys", false, "Print a new VAPID key pair and exit")
)

func main() {
	flag.Parse()

	if *generateKeys {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			log.Fatalf("Failed to generate VAPID keys: %v", err)
		}
		fmt.Printf("vapid_public_key: %s\nvapid_private_key: %s\n", pub, priv)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown tracer: %v", err)
		}
	}()

	store, err := storage.New(cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.MaxCycleHistory)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var prices monitor.PriceSource = pricing.NewClient(cfg.Pricing.BaseURL, pricing.ClientConfig{
		MaxIdleConns:        cfg.Pricing.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Pricing.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Pricing.IdleConnTimeout,
	})

	var publisher monitor.SummaryPublisher
	if cfg.Redis.Enabled {
		rdb, err := cache.NewClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Redis: %v", err)
		}
		defer func() { _ = rdb.Close() }()

		if cfg.Redis.PriceTTL > 0 {
			prices = cache.NewPriceCache(rdb, prices, cfg.Redis.PriceTTL)
			logger.Info("Price cache enabled (ttl: %v)", cfg.Redis.PriceTTL)
		}
		if cfg.Redis.PublishSummaries {
			publisher = cache.NewSummaryPublisher(rdb, cfg.Redis.SummaryChannel)
			logger.Info("Publishing cycle summaries on %s", cfg.Redis.SummaryChannel)
		}
	}

	transport, err := push.NewTransport(push.Config{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber:      cfg.Push.Subscriber,
		TTL:             cfg.Push.TTL,
		Urgency:         cfg.Push.Urgency,
		Topic:           cfg.Push.Topic,
	}, &http.Client{})
	if err != nil {
		logger.Fatal("Failed to initialize push transport: %v", err)
	}

	deps := monitor.Deps{
		Store:        store,
		Prices:       prices,
		Push:         transport,
		PricePolicy:  resilience.NewPolicy("price", policyConfig(cfg.Resilience.Price), pricing.Classify),
		PushPolicies: resilience.NewGroup("push", policyConfig(cfg.Resilience.Push), push.Classify),
		Publisher:    publisher,
	}
	if cfg.Email.Enabled {
		mailer, err := email.NewMailer(email.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			Timeout:  cfg.Email.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to initialize mailer: %v", err)
		}
		deps.Mailer = mailer
		deps.MailPolicy = resilience.NewPolicy("email", policyConfig(cfg.Resilience.Email), email.Classify)
		logger.Info("Email channel enabled via %s:%d", cfg.Email.Host, cfg.Email.Port)
	}

	engine := monitor.New(deps, monitor.Config{
		PriceWorkers:    cfg.Dispatch.PriceWorkers,
		DeliveryWorkers: cfg.Dispatch.DeliveryWorkers,
		StoreTimeout:    cfg.Dispatch.StoreTimeout,
		Composer: push.Composer{
			MaxBytes: cfg.Push.MaxPayloadBytes,
			Icon:     cfg.Push.Icon,
			Badge:    cfg.Push.Badge,
		},
	})

	var onCycle func(models.CycleSummary, error)
	if cfg.Telegram.Enabled {
		telegramClient, err := telegram.NewClient(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			MaxRetries:     cfg.Telegram.MaxRetries,
			RetryDelayBase: cfg.Telegram.RetryDelayBase,
		})
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")

		onCycle = telegram.NewReporter(telegramClient, cfg.Telegram.SendSummaries).OnCycle
		if cfg.Telegram.Commands {
			telegramClient.ListenForCommands(ctx, engine.CheckAlertsNow)
		}
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	schedule, err := buildSchedule(cfg)
	if err != nil {
		logger.Fatal("Invalid schedule: %v", err)
	}
	sched := scheduler.New(schedule, engine.RunScheduledCycle, scheduler.Options{
		RunOnStart: cfg.Schedule.RunOnStart,
		OnCycle:    onCycle,
	})

	var ops *server.Server
	if cfg.Server.Enabled {
		ops = server.New(store, engine, server.Options{
			Addr:  cfg.Server.Addr,
			Ready: sched.Running,
		})
		ops.Start()
	}

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler: %v", err)
	}
	logger.Info("Starting alert service (schedule: %s, price workers: %d, delivery workers: %d)",
		schedule, cfg.Dispatch.PriceWorkers, cfg.Dispatch.DeliveryWorkers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, cleaning up...")

	sched.Stop()
	cancel()
	if ops != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown ops server: %v", err)
		}
		shutdownCancel()
	}
	logger.Info("Service stopped")
}

func buildSchedule(cfg *config.Config) (scheduler.Schedule, error) {
	if cfg.Schedule.Mode == "interval" {
		return scheduler.Every{Interval: cfg.Schedule.Interval}, nil
	}
	return scheduler.ParseDaily(cfg.Schedule.DailyAt, cfg.Location())
}

func policyConfig(p config.PolicyConfig) resilience.Config {
	return resilience.Config{
		MaxAttempts:      p.MaxAttempts,
		BaseDelay:        p.BaseDelay,
		MaxDelay:         p.MaxDelay,
		Timeout:          p.Timeout,
		FailureThreshold: p.FailureThreshold,
		FailureRatio:     p.FailureRatio,
		MinRequests:      p.MinRequests,
		Window:           p.Window,
		Cooldown:         p.Cooldown,
	}
}
