// Command seed populates a fresh orchestrator database with a handful of
// sample bots and agents for local development.
//
// Usage:
//
//	go run ./cmd/seed --db-dsn ./orchestrator.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botfleet/orchestrator/internal/agentregistry"
	"github.com/botfleet/orchestrator/internal/botregistry"
	"github.com/botfleet/orchestrator/internal/clock"
	"github.com/botfleet/orchestrator/internal/eventbus"
	"github.com/botfleet/orchestrator/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dsn := flag.String("db-dsn", envOrDefault("ORCHESTRATOR_DB_DSN", "./orchestrator.db"), "SQLite file path or Postgres DSN")
	driver := flag.String("db-driver", envOrDefault("ORCHESTRATOR_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()

	gormDB, err := store.Open(store.Config{
		Driver:   *driver,
		DSN:      *dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	st := store.NewGORMStore(gormDB)

	// The seed command only writes rows and never reads them back through a
	// subscriber, but every registry still requires a Bus to publish to.
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bots := botregistry.New(st, bus, logger)
	agents := agentregistry.New(st, bus, clock.New(), logger, 0)

	seedBots := []botregistry.CreateInput{
		{Name: "price-checker", Script: "price_checker", Schedule: "*/15 * * * *"},
		{Name: "login-health-check", Script: "login_check", Schedule: "0 * * * *"},
		{Name: "one-off-scrape", Script: "scrape", Schedule: ""},
	}
	for _, in := range seedBots {
		bot, err := bots.Create(context.Background(), in)
		if err != nil {
			return fmt.Errorf("create bot %q: %w", in.Name, err)
		}
		fmt.Printf("✓ bot created: %s (%s) schedule=%q\n", bot.Name, bot.ID, bot.Schedule)
	}

	seedAgents := []struct {
		id        string
		publicURL string
	}{
		{"agent-local-1", "http://localhost:9001"},
		{"agent-local-2", "http://localhost:9002"},
	}
	for _, a := range seedAgents {
		agent, err := agents.Register(context.Background(), agentregistry.RegisterInput{
			AgentID: a.id, PublicURL: a.publicURL,
		})
		if err != nil {
			return fmt.Errorf("register agent %q: %w", a.id, err)
		}
		fmt.Printf("✓ agent registered: %s (%s)\n", agent.AgentID, agent.ID)
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
