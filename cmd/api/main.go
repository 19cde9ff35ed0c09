//	@title			Map Stats Tile API
//	@version		1.0
//	@description	Signed object-store access, public tile proxy and tile upload worker for golf course imagery.
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: **Bearer {token}**

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/mapstats/service/internal/config"
	"github.com/mapstats/service/internal/db"
	"github.com/mapstats/service/internal/logging"
	"github.com/mapstats/service/internal/metrics"
	appMiddleware "github.com/mapstats/service/internal/middleware"
	"github.com/mapstats/service/internal/multipart"
	"github.com/mapstats/service/internal/signedurl"
	"github.com/mapstats/service/internal/sigv4"
	"github.com/mapstats/service/internal/storage"
	"github.com/mapstats/service/internal/tileproxy"
	"github.com/mapstats/service/internal/tileset"
	"github.com/mapstats/service/internal/tileworker"
	"github.com/mapstats/service/internal/uploadtoken"

	_ "github.com/mapstats/service/docs/swagger"
)

const (
	multipartIdle  = 24 * time.Hour
	pruneInterval  = 10 * time.Minute
	tileProxyMount = "/tile-proxy"
)

func main() {
	cfg := config.Load()
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("refusing to start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewMinioStorage(ctx, storage.MinioConfig{
		Endpoint:   cfg.StorageHost(),
		AccessKey:  cfg.AccessKeyID,
		SecretKey:  cfg.SecretAccessKey,
		Bucket:     cfg.Bucket,
		Region:     cfg.Region,
		PublicBase: cfg.PublicBaseURL,
		UseSSL:     true,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("object storage init failed")
	}

	signer, err := signedurl.NewService(signedurl.Config{
		Credentials: sigv4.Credentials{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey},
		Region:      cfg.Region,
		Host:        cfg.SigningHost(),
	}, nil, logging.Component("signedurl"))
	if err != nil {
		logger.Fatal().Err(err).Msg("signing service init failed")
	}

	// Wire dependencies: store → services → handlers
	sessions := multipart.NewRegistry(store)
	signHandler := signedurl.NewHandler(signer, logging.Component("signedurl"))
	proxy := tileproxy.NewHandler(tileproxy.Config{PublicBaseURL: cfg.PublicBaseURL}, logging.Component("tileproxy"))
	worker := tileworker.NewHandler(tileworker.Config{
		Store:        store,
		Tokens:       uploadtoken.NewIssuer(cfg.UploadTokenSecret, cfg.UploadTokenTTL),
		Sessions:     sessions,
		MaxPartBytes: cfg.MultipartMaxPartSize,
	}, logging.Component("tileworker"))

	var tilesets *tileset.Handler
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer pool.Close()
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			logger.Fatal().Err(err).Msg("database migration failed")
		}
		tilesets = tileset.NewHandler(tileset.NewService(tileset.NewRepository(pool)), tileProxyMount, logging.Component("tileset"))
	} else {
		logger.Warn().Msg("DATABASE_URL not set, tileset endpoints disabled")
	}

	// Router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-ID",
			"X-Course-Id", "X-Z", "X-X", "X-Y",
			"X-Key", "X-Upload-Id", "X-Part-Number",
		},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Swagger UI at /swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Handle(tileProxyMount+"/*", http.StripPrefix(tileProxyMount, proxy))
	r.Mount("/worker", worker.Routes(cfg.JWTSecret))

	r.Route("/api/v1", func(r chi.Router) {
		r.With(
			httprate.LimitByIP(cfg.SignRateLimit, time.Minute),
			appMiddleware.RequireAuth(cfg.JWTSecret),
		).Post("/r2-sign", signHandler.Sign)

		if tilesets != nil {
			r.Mount("/tilesets", tilesets.Routes(cfg.JWTSecret))
		}
	})

	go pruneSessions(ctx, sessions, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // large part uploads
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.AppEnv).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

// pruneSessions aborts multipart uploads nobody has touched for a day.
func pruneSessions(ctx context.Context, sessions *multipart.Registry, logger zerolog.Logger) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := sessions.Prune(context.WithoutCancel(ctx), now.Add(-multipartIdle)); n > 0 {
				logger.Info().Int("sessions", n).Msg("pruned idle multipart uploads")
			}
		}
	}
}
