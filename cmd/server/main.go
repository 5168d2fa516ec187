/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Open the selected store (sqlite or postgres)
  3. Build the ledger engine and API handler
  4. Configure the HTTP router
  5. Start the server with graceful shutdown

CONFIGURATION:
  Flags take their defaults from the environment, so .env or real env
  vars work without repeating flags:
    -port / PORT             HTTP server port (default: 8080)
    -driver / DB_DRIVER      "sqlite" or "postgres" (default: sqlite)
    -dsn / DB_DSN            Database path or connection string
                             (default: ledger.db; ":memory:" works
                             for sqlite)
    -daily-rate / DAILY_RATE Default late-fee per day (default: 0.50)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	driver := flag.String("driver", envStr("DB_DRIVER", "sqlite"), "database driver: sqlite or postgres")
	dsn := flag.String("dsn", envStr("DB_DSN", "ledger.db"), "database path (sqlite) or connection string (postgres)")
	dailyRate := flag.String("daily-rate", envStr("DAILY_RATE", "0.50"), "default late fee per day")
	flag.Parse()

	rate, err := decimal.NewFromString(*dailyRate)
	if err != nil {
		log.Fatalf("Invalid daily rate %q: %v", *dailyRate, err)
	}

	var (
		store  engine.TxStore
		closer interface{ Close() error }
	)
	switch *driver {
	case "sqlite":
		st, err := sqlite.New(*dsn)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		store, closer = st, st
	case "postgres":
		st, err := postgres.New(*dsn)
		if err != nil {
			log.Fatalf("Failed to open postgres store: %v", err)
		}
		store, closer = st, st
	default:
		log.Fatalf("Unknown driver %q (want sqlite or postgres)", *driver)
	}
	defer closer.Close()

	clock := engine.SystemClock{}
	eng := engine.NewLedgerEngine(store, clock)
	handler := api.NewHandler(eng, store, clock, rate)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Ledger engine listening on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
