// Command migrate applies or reverts the ledger schema.
//
//	migrate [-config path] up|down|status
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tunevest/ledger-engine/internal/config"
	"github.com/tunevest/ledger-engine/internal/logging"
	"github.com/tunevest/ledger-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "path to config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] up|down|status\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName+"-migrate", cfg.Env)

	if cfg.Database.URL == "" {
		logger.Error("database.url is required (LEDGER_DATABASE_URL)")
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	switch cmd {
	case "up":
		err = store.Migrate(cfg.Database.URL)
	case "down":
		err = store.Rollback(cfg.Database.URL)
	case "status":
		err = store.MigrationStatus(cfg.Database.URL)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migration failed", "command", cmd, "err", err)
		os.Exit(1)
	}
	logger.Info("migration done", "command", cmd)
}
