package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apihttp "solar-cloud/internal/api/http"
	"solar-cloud/internal/auth"
	"solar-cloud/internal/eventing"
	"solar-cloud/internal/factors"
	factorsrepo "solar-cloud/internal/factors/infrastructure/postgres"
	"solar-cloud/internal/ingest"
	"solar-cloud/internal/observability/metrics"
	"solar-cloud/internal/realtime"
	telemetrypostgres "solar-cloud/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	readingRepo := telemetrypostgres.NewReadingRepository(db)
	gpsRepo := telemetrypostgres.NewGpsRepository(db)
	readingQuery := telemetrypostgres.NewReadingQuery(db)
	factorRepo := factorsrepo.NewFactorRepository(db)

	registry := factors.NewRegistry()
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	snapshot, err := factorRepo.LoadAll(loadCtx)
	cancelLoad()
	if err != nil {
		logger.Fatalf("load factors error: %v", err)
	}
	registry.Load(snapshot)
	logger.Printf("loaded correction factors for %d devices", len(snapshot))

	bus := eventing.NewInMemoryBus()
	authorizer := auth.NewAuthorizer()

	hub, err := realtime.NewHub(authorizer, logger, realtime.WithStaleAfter(cfg.StaleAfter))
	if err != nil {
		logger.Fatalf("realtime hub error: %v", err)
	}
	eventing.SubscribeTo(bus, hub.HandlePowerReading)
	eventing.SubscribeTo(bus, hub.HandleGpsFix)

	coordinator, err := ingest.NewCoordinator(
		registry,
		readingRepo,
		gpsRepo,
		bus,
		logger,
		ingest.WithNamespace(cfg.TopicNamespace),
	)
	if err != nil {
		logger.Fatalf("ingest coordinator error: %v", err)
	}

	broker, err := ingest.NewBroker(cfg.Broker, coordinator, logger)
	if err != nil {
		logger.Fatalf("mqtt broker error: %v", err)
	}
	if err := broker.Connect(); err != nil {
		logger.Fatalf("mqtt connect error: %v", err)
	}

	wsHandler, err := realtime.NewHandler(hub, logger)
	if err != nil {
		logger.Fatalf("realtime handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/api/v1/devices", apihttp.NewDevicesHandler(authorizer, hub))
	mux.Handle("/api/v1/readings", apihttp.NewReadingsHandler(readingQuery, authorizer))
	mux.Handle("/api/v1/gps", apihttp.NewGpsHandler(gpsRepo, authorizer))
	mux.Handle("/api/v1/factors", apihttp.NewFactorsHandler(registry, factorRepo, broker, authorizer, logger))
	mux.Handle("/api/v1/control", apihttp.NewControlHandler(broker, authorizer, logger))
	mux.Handle("/api/v1/exports/readings", apihttp.NewExportReadingsHandler(readingQuery, authorizer))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	broker.Disconnect()
	coordinator.Close()
}

type config struct {
	DatabaseURL    string              `yaml:"database_url"`
	HTTPAddr       string              `yaml:"http_addr"`
	TopicNamespace string              `yaml:"topic_namespace"`
	JWTSecret      string              `yaml:"jwt_secret"`
	StaleAfter     time.Duration       `yaml:"stale_after"`
	Broker         ingest.BrokerConfig `yaml:"broker"`
}

// loadConfig reads an optional YAML file named by SOLAR_CONFIG, then lets
// environment variables override individual fields.
func loadConfig() config {
	cfg := config{
		HTTPAddr:       ":8080",
		TopicNamespace: "solar",
		StaleAfter:     5 * time.Minute,
		Broker: ingest.BrokerConfig{
			ClientID: "solar-cloud",
		},
	}

	if path := os.Getenv("SOLAR_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read config %s: %v", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Fatalf("parse config %s: %v", path, err)
		}
	}

	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.TopicNamespace = getenvDefault("TOPIC_NAMESPACE", cfg.TopicNamespace)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))
	cfg.StaleAfter = getenvDuration("STALE_AFTER", cfg.StaleAfter)
	cfg.Broker.URL = getenvDefault("MQTT_URL", cfg.Broker.URL)
	cfg.Broker.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.Broker.ClientID)
	cfg.Broker.Username = getenvDefault("MQTT_USERNAME", cfg.Broker.Username)
	cfg.Broker.Password = getenvDefault("MQTT_PASSWORD", cfg.Broker.Password)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.Broker.URL == "" {
		log.Fatal("MQTT_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
