package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/guard"
	"github.com/triallabs/trial-guard/internal/healthcheck"
	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/ledger/memory"
	"github.com/triallabs/trial-guard/internal/ledger/redisledger"
	"github.com/triallabs/trial-guard/internal/ledger/sqlledger"
	"github.com/triallabs/trial-guard/internal/netclass"
	"github.com/triallabs/trial-guard/internal/server"
	"github.com/triallabs/trial-guard/internal/storage"
)

func main() {
	// Load env if it exists
	godotenv.Load()

	cfg, err := config.Load("config.json")
	if err != nil {
		// A bad limit policy must never degrade into permissive defaults.
		log.Fatalf("CRITICAL: refusing to start: %v", err)
	}

	var targets []healthcheck.Target

	// The admin review surface rides on postgres; it is connected whenever a
	// DSN is configured, independent of which ledger backend runs.
	var postgres *storage.Postgres
	if cfg.Postgres.DSN != "" {
		postgres, err = storage.NewPostgres(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer postgres.Close()

		if err := postgres.AutoMigrate(); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}

		targets = append(targets, healthcheck.Target{Name: "postgres", Pinger: postgres})
		log.Println("Connected to postgres successfully")
	}

	var usageLedger ledger.Ledger
	switch cfg.Server.Store {
	case "memory":
		usageLedger = memory.New()
	case "postgres":
		if postgres == nil {
			log.Fatalf("CRITICAL: store %q requires DATABASE_URL", cfg.Server.Store)
		}
		usageLedger = sqlledger.New(postgres)
	case "redis":
		redis, err := storage.NewRedis(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redis.Close()

		targets = append(targets, healthcheck.Target{Name: "redis", Pinger: redis})
		log.Println("Connected to redis successfully")

		usageLedger = redisledger.New(redis)
	default:
		log.Fatalf("CRITICAL: unknown store %q", cfg.Server.Store)
	}

	checker := healthcheck.NewChecker(&healthcheck.Config{Targets: targets})
	checker.Start()
	defer checker.Stop()

	g := guard.New(usageLedger, netclass.NewClassifier(), cfg.LimitPolicy)

	srv := server.New(cfg, g, usageLedger, postgres, checker)

	go func() {
		addr := ":" + cfg.Server.Port
		log.Printf("Trial guard listening on %s (store: %s, env: %s)", addr, cfg.Server.Store, cfg.Server.Environment)
		if err := srv.Run(addr); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}
