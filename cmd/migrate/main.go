package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fulcrum-co/pulse-laravel-sub005/internal/config"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/dbmigrate"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
)

func main() {
	cfg := config.Load()

	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", cfg.DatabaseURL, "Database URL (defaults to DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", cfg.MigrationsPath, "Migrations directory or source URL (defaults to MIGRATIONS_PATH)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.Parse()

	if err := run(databaseURL, migrationsPath, command, flag.Args()); err != nil {
		logger.Fatal("Migration failed", "command", command, "error", err)
	}
}

func run(databaseURL, migrationsPath, command string, args []string) error {
	if databaseURL == "" {
		return fmt.Errorf("database URL is required: use -database or DATABASE_URL")
	}

	source := dbmigrate.SourceURL(migrationsPath)
	logger.Info("Connecting to database", "migrations", source)

	mg, err := dbmigrate.New(source, databaseURL)
	if err != nil {
		return err
	}
	defer mg.Close()

	switch command {
	case "up":
		return mg.Up()

	case "down":
		return mg.Down()

	case "steps":
		n, err := intArg(args, "steps")
		if err != nil {
			return err
		}
		return mg.Steps(n)

	case "version":
		version, dirty, err := mg.Version()
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		fmt.Fprintf(os.Stdout, "version=%d dirty=%v\n", version, dirty)
		return nil

	case "force":
		version, err := intArg(args, "force")
		if err != nil {
			return err
		}
		if err := mg.Force(version); err != nil {
			return err
		}
		logger.Info("Forced version", "version", version)
		return nil
	}

	return fmt.Errorf("unknown command %q (use: up, down, steps, version, force)", command)
}

func intArg(args []string, command string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s requires a number: -command %s <n>", command, command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, nil
}
