package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/keyproof/server/internal/auth"
	"github.com/keyproof/server/internal/config"
	"github.com/keyproof/server/internal/db"
	apihttp "github.com/keyproof/server/internal/http"
	"github.com/keyproof/server/internal/http/handlers"
	"github.com/keyproof/server/internal/logging"
	"github.com/keyproof/server/internal/middleware"
	"github.com/keyproof/server/internal/repo"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("database connect failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := db.Migrate(conn); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	userRepo := repo.NewUserRepo(conn)
	deviceRepo := repo.NewDeviceRepo(conn)
	challengeRepo := repo.NewChallengeRepo(conn)
	refreshRepo := repo.NewRefreshRepo(conn)

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	challengeService := auth.NewChallengeService(challengeRepo, cfg.ChallengeTTL, log)
	authService := auth.NewAuthService(challengeService, jwtService, userRepo, deviceRepo, refreshRepo, cfg.RefreshTokenTTL, log)

	authHandler := handlers.NewAuthHandler(authService, log)
	healthHandler := handlers.NewHealthHandler(conn)
	authMiddleware := middleware.NewAuthMiddleware(jwtService, userRepo, log)

	router := apihttp.NewRouter(authHandler, healthHandler, authMiddleware)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Expired challenges are already rejected on consume; the sweeper keeps
	// the table from accumulating abandoned rows.
	go func() {
		ticker := time.NewTicker(cfg.ChallengeSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				n, err := challengeRepo.SweepExpired(ctx, time.Now())
				cancel()
				if err != nil {
					log.Error("challenge sweep failed", "err", err)
				} else if n > 0 {
					log.Debug("swept expired challenges", "count", n)
				}
			}
		}
	}()

	go func() {
		log.Info("server listening", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
}
