package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/iago/converter-saas-back/internal/config"
	"github.com/iago/converter-saas-back/internal/database"
	"github.com/iago/converter-saas-back/internal/logger"
)

const usage = `usage: migrate [-steps N] <up|down|version>

  up       apply every pending migration
  down     roll back -steps migrations (default 1)
  version  print the applied schema version
`

func main() {
	steps := flag.Int("steps", 1, "number of migrations to roll back with down")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		fmt.Fprintf(os.Stderr, "failed loading .env files: %v\n", err)
	}
	cfg := config.Load()
	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "up":
		err = database.Migrate(cfg.DatabaseURL, log)
	case "down":
		err = database.Rollback(cfg.DatabaseURL, *steps, log)
	case "version":
		var (
			version uint
			dirty   bool
			ok      bool
		)
		version, dirty, ok, err = database.Version(cfg.DatabaseURL)
		if err == nil {
			if !ok {
				fmt.Println("no migrations applied")
			} else {
				fmt.Printf("version %d (dirty=%t)\n", version, dirty)
			}
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "command", flag.Arg(0), "error", err)
		log.Sync()
		os.Exit(1)
	}
}
