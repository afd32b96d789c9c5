package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/truststaff/apiserver/config"
	"github.com/truststaff/apiserver/internal/auth"
	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/internal/db"
	"github.com/truststaff/apiserver/internal/handlers"
	"github.com/truststaff/apiserver/internal/metrics"
	"github.com/truststaff/apiserver/internal/mq"
	"github.com/truststaff/apiserver/internal/notify"
	"github.com/truststaff/apiserver/internal/ratelimit"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/internal/storage"
	"github.com/truststaff/apiserver/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	requestTimeout   = 60 * time.Second
	dispatchTimeout  = 30 * time.Second
	redisPingTimeout = 5 * time.Second
)

// Server wraps the HTTP server, the router and every backend they use.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	logger     *zap.Logger
	dispatcher *services.Dispatcher
	metrics    *metrics.Metrics
	worker     *notify.Worker
	closers    []func() error

	stopWorker context.CancelFunc
	workerDone sync.WaitGroup
}

// New constructs a Server with the backends selected by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (srv *Server, err error) {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	s := &Server{logger: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = dbConn
	s.closers = append(s.closers, dbConn.Close)

	userRepo := store.NewUserRepository(dbConn)
	pendingRepo := store.NewPendingUserRepository(dbConn)
	attemptRepo := store.NewLoginAttemptRepository(dbConn)

	if s.metrics, err = metrics.New(); err != nil {
		return nil, err
	}
	limitStore, err := s.rateLimitStore(ctx, cfg, dbConn)
	if err != nil {
		return nil, err
	}
	objects, err := s.objectStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	documents := storage.NewDocuments(objects)
	if err := documents.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure document bucket: %w", err)
	}
	notifier, err := s.notifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clk := clock.System()
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, clk)
	if err != nil {
		return nil, err
	}
	hasher := auth.NewPasswordHasher(bcrypt.DefaultCost)
	s.dispatcher = services.NewDispatcher(logger, dispatchTimeout)

	guard := services.NewBruteForceGuard(attemptRepo, clk, cfg.Security.BruteForceWindow, cfg.Security.BruteForceMax, logger)
	limiter := services.NewRateLimiter(limitStore, clk, cfg.Security.RateLimitWindow, cfg.Security.RateLimitMax, s.metrics)
	twoFactor := services.NewTwoFactorService(userRepo, tokens, notifier, s.dispatcher, clk, services.TwoFactorConfig{
		CodeTTL:        cfg.Auth.TwoFactorTTL,
		ResendInterval: cfg.Auth.TwoFactorResendInterval,
		SessionTTL:     cfg.Auth.SessionTTL,
	}, s.metrics, logger)
	authService, err := services.NewAuthService(userRepo, hasher, tokens, guard, twoFactor, notifier, s.dispatcher, clk,
		services.AuthConfig{
			SessionTTL:        cfg.Auth.SessionTTL,
			ResetTTL:          cfg.Auth.ResetTTL,
			ResetInterval:     cfg.Auth.PasswordResetInterval,
			TwoFactorEnabled:  cfg.Auth.TwoFactorEnabled,
			PasswordMinLength: cfg.Auth.PasswordMinLength,
		}, s.metrics, logger)
	if err != nil {
		return nil, err
	}
	accounts := services.NewAccountService(userRepo, pendingRepo, documents, hasher, notifier, s.dispatcher, clk,
		services.AccountConfig{
			PendingUserRetention: cfg.Auth.PendingUserRetention,
			ResubmitCooldown:     cfg.Auth.OnboardingResubmitCooldown,
			PasswordMinLength:    cfg.Auth.PasswordMinLength,
			MaxDocumentBytes:     cfg.Storage.MaxDocumentBytes,
		}, logger)
	resolver := services.NewSessionResolver(userRepo, tokens, logger)

	cookies := handlers.CookieConfig{Secure: cfg.CookieSecure, TTL: cfg.Auth.SessionTTL}
	sessions := handlers.NewSessions(resolver, cookies, logger)
	adminHandler := handlers.NewAdminHandler(accounts, s.metrics, logger)

	trusted, err := handlers.ParseTrustedProxies(cfg.Security.TrustedProxies)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(handlers.Chain(handlers.ChainConfig{
		Logger:         logger,
		Metrics:        s.metrics,
		Limiter:        limiter,
		TrustedProxies: trusted,
		Timeout:        requestTimeout,
	})...)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/api", func(r chi.Router) {
		handlers.AccountRouter(r, handlers.NewAccountHandler(accounts, authService, cfg.Storage.MaxDocumentBytes, logger), sessions)
		r.Route("/auth", func(r chi.Router) {
			handlers.AuthRouter(r, handlers.NewAuthHandler(authService, twoFactor, cookies, logger), sessions)
		})
		r.Route("/admin", func(r chi.Router) {
			handlers.AdminRouter(r, adminHandler, sessions)
		})
		r.Route("/superadmin", func(r chi.Router) {
			handlers.SuperadminRouter(r, adminHandler, sessions)
		})
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) rateLimitStore(ctx context.Context, cfg config.Config, dbConn *sql.DB) (services.RateLimitStore, error) {
	switch strings.ToLower(cfg.Security.RateLimitBackend) {
	case "", "postgres":
		return store.NewRateLimitRepository(dbConn), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return ratelimit.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Security.RateLimitBackend)
	}
}

func (s *Server) objectStorage(ctx context.Context, cfg config.Config) (storage.ObjectStorage, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "minio":
		return storage.NewMinio(cfg.Minio)
	case "gcs":
		client, err := storage.NewGCS(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		return client, nil
	case "memory":
		s.logger.Warn("onboarding documents are kept in memory and lost on restart")
		return storage.NewMemory(cfg.Minio.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func (s *Server) notifier(ctx context.Context, cfg config.Config) (services.Notifier, error) {
	switch strings.ToLower(cfg.Notify.Backend) {
	case "", "log":
		return notify.NewLogNotifier(s.logger), nil
	case "smtp":
		return NewMailer(cfg), nil
	case "mq":
		backend, err := NewQueueBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		queue := mq.New(backend)
		s.closers = append(s.closers, queue.Close)
		if _, inProcess := backend.(*mq.Memory); inProcess {
			s.worker = notify.NewWorker(queue, cfg.Notify.Channel, NewMailer(cfg), cfg.Notify.MailerRatePerSecond, s.logger)
		}
		return notify.NewPublisher(queue, cfg.Notify.Channel), nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}

// NewQueueBackend connects the broker selected by cfg.MQ.Backend.
func NewQueueBackend(ctx context.Context, cfg config.Config) (mq.Backend, error) {
	switch strings.ToLower(cfg.MQ.Backend) {
	case "", "rabbitmq":
		return mq.NewRabbitMQ(cfg.RabbitMQ)
	case "pubsub":
		return mq.NewPubSub(ctx, cfg.PubSub)
	case "memory":
		return mq.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.MQ.Backend)
	}
}

// NewMailer builds the SMTP mailer from cfg.
func NewMailer(cfg config.Config) *notify.Mailer {
	return notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, cfg.AppURL)
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server and, for the in-memory queue, the mail worker.
func (s *Server) Start() error {
	if s.worker != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopWorker = cancel
		s.workerDone.Add(1)
		go func() {
			defer s.workerDone.Done()
			if err := s.worker.Run(ctx); err != nil {
				s.logger.Error("notification worker stopped", zap.Error(err))
			}
		}()
	}
	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight requests and
// notifications, then releases the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	if s.stopWorker != nil {
		s.stopWorker()
		s.workerDone.Wait()
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
	s.close()
	return err
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("failed to close backend", zap.Error(err))
		}
	}
	s.closers = nil
}
