/**
 * @description
 * This is the main entry point for the lending-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application services,
 * the scheduled jobs, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/daraja: Client for the Safaricom Daraja API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/umoja/lending-service/internal/api"
	"github.com/umoja/lending-service/internal/app"
	"github.com/umoja/lending-service/internal/config"
	"github.com/umoja/lending-service/internal/store"
	"github.com/umoja/lending-service/pkg/daraja"
	rmrabbit "github.com/umoja/lending-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	platformAccountID, err := uuid.Parse(strings.TrimSpace(cfg.PlatformAccountID))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"platform account id must be a uuid\" env=PLATFORM_ACCOUNT_ID err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting lending-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. The
	// service only publishes; the notification dispatcher consumes.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the Daraja client for STK pushes and B2C payouts.
	darajaClient := daraja.NewClient(daraja.Config{
		BaseURL:            cfg.DarajaBaseURL,
		ConsumerKey:        cfg.DarajaConsumerKey,
		ConsumerSecret:     cfg.DarajaConsumerSecret,
		ShortCode:          cfg.DarajaShortCode,
		Passkey:            cfg.DarajaPasskey,
		InitiatorName:      cfg.DarajaInitiatorName,
		SecurityCredential: cfg.DarajaSecurityCredential,
		CallbackBaseURL:    cfg.DarajaCallbackBaseURL,
	})

	// Redis backs sessions, the read cache, and rate limiting. A missing or
	// unreachable Redis degrades to in-memory sessions and no cache rather
	// than blocking boot.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-memory sessions\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-memory sessions\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-memory sessions\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	var sessions store.SessionStore
	var cache store.ReadCache
	var limiter app.RateLimiter
	if redisClient != nil {
		sessions = store.NewRedisSessionStore(redisClient, "")
		cache = store.NewRedisReadCache(redisClient, "")
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	} else {
		sessions = store.NewMemorySessionStore()
		cache = store.NoopReadCache{}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application services.
	loanService := app.NewLoanService(repository, darajaClient, producer, platformAccountID, app.LoanPolicy{
		DefaultLimit:       cfg.DefaultLoanLimitCents,
		InstantApprovalMax: cfg.InstantApprovalMaxCents,
		InterestRateBps:    cfg.InterestRateBps,
		TermDays:           cfg.LoanTermDays,
	})
	reconciler := app.NewReconciler(repository, loanService, producer, time.Duration(cfg.StaleEventWindowHours)*time.Hour)
	engine := app.NewUssdEngine(sessions, repository, loanService, time.Duration(cfg.SessionTTLSeconds)*time.Second)
	scorer := app.NewScorer(repository, app.ScoringPolicy{
		BaseLimit:       cfg.DefaultLoanLimitCents,
		MaxLimit:        cfg.MaxLoanLimitCents,
		RescoreInterval: time.Duration(cfg.RescoreIntervalHours) * time.Hour,
	})

	// Start the scheduled jobs.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	jobs := app.NewJobs(repository, loanService, scorer, logger, cfg.DefaultGraceDays)
	scheduler := app.NewScheduler(jobs, logger, app.SchedulerConfig{
		CreditScoringSchedule: cfg.CreditScoringSchedule,
		OverdueSweepSchedule:  cfg.OverdueSweepSchedule,
		DefaultSweepSchedule:  cfg.DefaultSweepSchedule,
	})
	scheduler.Start()

	// Initialize the API handlers and router.
	handlers := api.NewHandlers(engine, reconciler, loanService, repository, cache, limiter, cfg.UssdRateLimitPerMinute)
	router := api.Routes(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
