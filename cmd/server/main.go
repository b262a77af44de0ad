package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokenguard/gateway/internal/admin"
	"github.com/tokenguard/gateway/internal/auth"
	"github.com/tokenguard/gateway/internal/cache"
	"github.com/tokenguard/gateway/internal/config"
	"github.com/tokenguard/gateway/internal/db"
	"github.com/tokenguard/gateway/internal/metrics"
	"github.com/tokenguard/gateway/internal/proxy"
	"github.com/tokenguard/gateway/internal/ratelimit"
	"github.com/tokenguard/gateway/internal/upstream"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	database, err := db.NewDB(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	promMetrics := metrics.New(prometheus.DefaultRegisterer)

	// Redis backs the rate limiter and the cache mirror; both degrade
	// gracefully without it.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	} else {
		log.Warn().Msg("No REDIS_URL configured; rate limiting disabled, cache is memory-only")
	}

	embedder := cache.NewHTTPEmbedder(cfg.EmbeddingURL)
	semanticCache := cache.New(embedder, cfg.SimilarityThreshold, cfg.CacheCapacity, cfg.CacheTTL, rdb, log.Logger)
	semanticCache.SetObserver(promMetrics)
	semanticCache.Warm(context.Background())

	dispatcher := upstream.NewDispatcher(upstream.Options{
		URL:        cfg.UpstreamURL,
		APIKey:     cfg.UpstreamAPIKey,
		Timeout:    cfg.UpstreamTimeout,
		MaxRetries: cfg.UpstreamRetries,
		Backoff:    cfg.UpstreamBackoff,
	}, log.Logger)

	authenticator := auth.NewAuthenticator(database, log.Logger)
	limiter := ratelimit.NewRateLimiter(rdb, cfg.RateLimitPerHour, log.Logger)

	orchestrator := proxy.NewOrchestrator(
		authenticator,
		database,
		semanticCache,
		dispatcher,
		limiter,
		cfg.UpstreamModel,
		log.Logger,
	)

	router := mux.NewRouter()

	// Public routes
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/auth/token", tokenHandler(database, cfg.JWTSecret)).Methods("POST")

	// Proxy endpoint; the API key travels in the payload, not a bearer token.
	proxyHandler := proxy.NewHandler(orchestrator, database, promMetrics, log.Logger)
	router.Handle("/api/proxy", proxyHandler).Methods("POST")

	// Key management surface, JWT-protected.
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)
	manageRouter := mux.NewRouter()
	admin.NewHandler(database, semanticCache, log.Logger).RegisterRoutes(manageRouter)
	router.PathPrefix("/manage/").Handler(authMiddleware.Authenticate(manageRouter))

	log.Info().Str("port", cfg.ServerPort).Msg("Server starting")
	if err := http.ListenAndServe(":"+cfg.ServerPort, router); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "1.0.0",
	})
}

// tokenHandler exchanges a valid API key for a management-surface JWT.
func tokenHandler(database *db.DB, jwtSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			APIKey string `json:"api_key"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		if !auth.WellFormed(req.APIKey) {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		key, err := database.GetAPIKeyByValue(r.Context(), req.APIKey)
		if err != nil || !key.Enabled() {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		token, err := auth.GenerateToken(key.UserID, key.ID, jwtSecret)
		if err != nil {
			log.Error().Err(err).Msg("Token generation failed")
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"token": token,
		})
	}
}
