package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"faqforge/internal/config"
	"faqforge/internal/handlers"
	"faqforge/internal/middleware"
	"faqforge/internal/models"
	"faqforge/internal/observability"
	"faqforge/internal/services"
	"faqforge/pkg/simsearch"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// Flags/env can override the database connection, same interface as
	// the migrate command.
	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		dbTZ      string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&dbTZ, "db-timezone", getenvDefault("DB_TIMEZONE", "UTC"), "database timezone")
	flagSet.StringVar(&srvHost, "host", getenvDefault("FAQFORGE_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("FAQFORGE_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		host := firstNonEmpty(dbHost, cfg.Database.Host)
		user := firstNonEmpty(dbUser, cfg.Database.User)
		pass := firstNonEmpty(dbPass, cfg.Database.Password)
		name := firstNonEmpty(dbName, cfg.Database.Name)
		port := dbPortStr
		if port == "" && cfg.Database.Port != 0 {
			port = fmt.Sprintf("%d", cfg.Database.Port)
		}
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			host, user, pass, name, port, dbSSLMode, dbTZ)
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.IngestedEvent{}, &models.Message{},
		&models.Document{}, &models.DocumentMessage{}, &models.FAQ{},
		&models.AutomationJob{}, &models.AutomationRule{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// AI collaborators. Without an API key the client degrades to
	// heuristic-only operation, which keeps local development usable.
	// The breaker settings come from the fallback config section.
	var breaker *services.CircuitBreaker
	if cfg.Fallback.Enabled && cfg.Fallback.CircuitBreaker.Enabled {
		breaker = services.NewCircuitBreakerWithConfig(&services.CircuitBreakerConfig{
			MaxFailures:     cfg.Fallback.CircuitBreaker.MaxFailures,
			ResetTimeout:    cfg.Fallback.CircuitBreaker.ResetTimeout,
			HalfOpenMaxReqs: cfg.Fallback.CircuitBreaker.HalfOpenMaxReqs,
		})
	}
	aiClient := services.NewOpenAIClientWithBreaker(
		cfg.AI.OpenAI.APIKey, cfg.AI.OpenAI.BaseURL, cfg.AI.OpenAI.Model,
		cfg.AI.OpenAI.Temperature, cfg.AI.OpenAI.MaxTokens, cfg.AI.OpenAI.Timeout,
		breaker,
	)

	var similarity simsearch.SimilarityInterface
	if cfg.Similarity.Enabled {
		similarity = simsearch.NewClient(&simsearch.Config{
			BaseURL:    cfg.Similarity.BaseURL,
			APIKey:     cfg.Similarity.APIKey,
			IndexID:    cfg.Similarity.IndexID,
			Timeout:    cfg.Similarity.Timeout,
			MaxRetries: cfg.Similarity.MaxRetries,
			RetryDelay: cfg.Similarity.RetryDelay,
		}, appLogger)
	}

	var redactor services.Redactor
	if cfg.Pipeline.RedactPII {
		redactor = services.RegexRedactor{}
	}

	// Pipeline services.
	ingestService := services.NewIngestService(db, appLogger)
	analyzer := services.NewConversationAnalyzer(aiClient, aiClient, cfg.Pipeline.MinAnswerConfidence, appLogger)
	documentService := services.NewDocumentService(db, appLogger, analyzer, aiClient, cfg.Pipeline.BatchSize)
	faqService := services.NewFAQService(db, appLogger, aiClient, similarity, redactor, services.FAQServiceConfig{
		DuplicateThreshold:  cfg.Pipeline.DuplicateThreshold,
		ReviewThreshold:     cfg.Pipeline.ReviewThreshold,
		MinAnswerConfidence: cfg.Pipeline.MinAnswerConfidence,
		GenerationDelay:     cfg.Pipeline.GenerationDelay,
		RequireApproval:     cfg.Pipeline.RequireApproval,
		TopK:                cfg.Similarity.TopK,
	})

	// Orchestration.
	jobService := services.NewJobService(db, appLogger,
		cfg.Jobs.MaxConcurrent, cfg.Jobs.MaxRetries, cfg.Jobs.RetryBackoff, cfg.Jobs.PollInterval)
	services.RegisterPipelineExecutors(jobService, documentService, faqService, ingestService, appLogger, cfg.Pipeline.EventRetention)
	automationService := services.NewAutomationService(db, appLogger, jobService)

	// New messages fire event-triggered rules.
	ingestService.SetMessagesChangedHook(func(channel string) {
		if _, err := automationService.FireEvent(context.Background(), "message_changed"); err != nil {
			appLogger.Warnf("fire message_changed rules: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jobService.Run(ctx)
	go automationService.Run(ctx, 30*time.Second)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddlewareWithConfig(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db, similarity)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler(aiClient).Metrics)
	}

	// Webhook ingestion, signature-gated.
	eventHandler := handlers.NewEventHandler(ingestService)
	verifier := middleware.NewHMACVerifier(cfg.Webhook.Secret)
	r.POST("/events",
		middleware.WebhookSignatureMiddleware(verifier, cfg.Webhook.SignatureHeader),
		eventHandler.Receive)

	api := r.Group("/api")
	handlers.RegisterEventRoutes(api, eventHandler)
	handlers.RegisterDocumentRoutes(api, handlers.NewDocumentHandler(documentService))
	handlers.RegisterFAQRoutes(api, handlers.NewFAQHandler(faqService))
	handlers.RegisterJobRoutes(api, handlers.NewJobHandler(jobService))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService))

	host := firstNonEmpty(srvHost, cfg.Server.Host)
	port := srvPort
	if port == 0 {
		port = cfg.Server.Port
	}
	listenAddr := fmt.Sprintf("%s:%d", host, port)

	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	cancel() // stop the schedulers; running jobs requeue
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization"
	if cfg != nil && cfg.Security.CORS.Enabled {
		if len(cfg.Security.CORS.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
		}
		if len(cfg.Security.CORS.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
		}
		if len(cfg.Security.CORS.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
