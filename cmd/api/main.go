package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/BytePhi0/edulearn/internal/domain"
	"github.com/BytePhi0/edulearn/internal/handlers"
	"github.com/BytePhi0/edulearn/internal/mailer"
	"github.com/BytePhi0/edulearn/internal/repository"
	"github.com/BytePhi0/edulearn/internal/service"
	"github.com/BytePhi0/edulearn/pkg/config"
	"github.com/BytePhi0/edulearn/pkg/database"
	"github.com/BytePhi0/edulearn/pkg/events"
	"github.com/BytePhi0/edulearn/pkg/logger"
	mw "github.com/BytePhi0/edulearn/pkg/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	// Connect to database
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Connect to Redis for the pending-session store
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// Connect to event bus
	eventBus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	// Initialize repositories
	userRepo := repository.NewUserRepository(pool)
	otpRepo := repository.NewOTPRepository(pool)
	pendingRepo := repository.NewPendingRepository(redisClient, cfg.Auth.PendingSessionTTL)
	rateLimitRepo := repository.NewRateLimitRepository(pool)

	// Initialize services
	mailService := selectMailer(cfg)
	authService := service.NewAuthService(userRepo, otpRepo, pendingRepo, mailService, eventBus, cfg)

	// Initialize handlers
	h := handlers.New(authService, rateLimitRepo, cfg)

	// Scheduled cleanup of expired OTP and rate-limit rows
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Auth.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if n, err := otpRepo.DeleteExpired(ctx); err != nil {
			logger.Error("OTP cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("OTP cleanup completed", "deleted", n)
		}

		if n, err := rateLimitRepo.CleanupExpired(ctx); err != nil {
			logger.Error("Rate limit cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("Rate limit cleanup completed", "deleted", n)
		}
	}); err != nil {
		logger.Error("Invalid cleanup schedule", "error", err, "schedule", cfg.Auth.CleanupSchedule)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("auth"))
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Routes
	r.Route("/auth", func(r chi.Router) {
		r.With(h.RateLimit("register", 5, time.Minute)).Post("/register", h.Register)
		r.With(h.RateLimit("login", 10, time.Minute)).Post("/login", h.Login)
		r.With(h.RateLimit("verify", 10, time.Minute)).Post("/verify-otp", h.VerifyOTP)
		r.With(h.RateLimit("resend", 3, time.Minute)).Post("/resend-otp", h.ResendOTP)
		r.Post("/logout", h.Logout)

		r.With(h.RequireJWT("")).Get("/me", h.CurrentUser)
	})

	// Admin routes (require admin JWT)
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireJWT(domain.RoleAdmin))
		r.Get("/users", h.ListUsers)
		r.Get("/users/{id}", h.GetUser)
		r.Patch("/users/{id}", h.UpdateUser)
		r.Delete("/users/{id}", h.DeactivateUser)
	})

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down auth service...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Auth service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting auth service", "port", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Auth service error", "error", err)
		os.Exit(1)
	}
}

func selectMailer(cfg *config.Config) mailer.Service {
	switch {
	case cfg.Email.DevMode:
		return mailer.NewDevMailer()
	case cfg.Email.MailerSendKey != "":
		return mailer.NewMailerSend(cfg.Email.MailerSendKey, cfg.Email.FromName, cfg.Email.SMTPFrom, cfg.App.Name, cfg.App.SchoolName)
	default:
		return mailer.NewSMTPMailer(
			cfg.Email.SMTPHost, cfg.Email.SMTPPort,
			cfg.Email.SMTPFrom, cfg.Email.SMTPUser, cfg.Email.SMTPPass,
			cfg.Email.SMTPUseTLS, cfg.App.Name, cfg.App.SchoolName,
		)
	}
}
