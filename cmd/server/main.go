/*
main.go - Application entry point

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Open the SQLite store (tokens, ledger, businesses)
  3. Construct issuer, settlement engine and balance projector
  4. Start the expiry sweeper and the HTTP server
  5. Graceful shutdown on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -db              SQLite database path (default: bcoin.db; ":memory:" works)
  -min-amount      minimum token face amount (default: 10)
  -max-amount      maximum token face amount (default: 50000)
  -ttl             token time-to-live (default: 24h)
  -sweep-interval  expiry sweep interval (default: 1h)
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
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/localperks/bcoin-core/api"
	"github.com/localperks/bcoin-core/coin"
	"github.com/localperks/bcoin-core/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "bcoin.db", "SQLite database path")
	minAmount := flag.Int64("min-amount", 10, "minimum token face amount")
	maxAmount := flag.Int64("max-amount", 50000, "maximum token face amount")
	ttl := flag.Duration("ttl", 24*time.Hour, "token time-to-live")
	sweepInterval := flag.Duration("sweep-interval", time.Hour, "expiry sweep interval")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// All services are explicit instances constructed here and passed by
	// reference; nothing reaches for module-level state.
	notifier := coin.LogNotifier{}
	policy := coin.IssuePolicy{
		MinFaceAmount: decimal.NewFromInt(*minAmount),
		MaxFaceAmount: decimal.NewFromInt(*maxAmount),
		TTL:           *ttl,
	}
	issuer := coin.NewIssuer(store, store, policy, notifier)
	engine := coin.NewEngine(store, store, notifier)
	projector := coin.NewProjector(store)

	handler := api.NewHandler(store, issuer, engine, projector)
	router := api.NewRouter(handler)

	sweeper := api.NewExpirySweeper(store, *sweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
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
