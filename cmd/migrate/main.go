package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/makerlane/backend/internal/config"
	"github.com/makerlane/backend/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: migrate [command] [args]")
		fmt.Println("Commands: up, up-to VERSION, down, down-to VERSION, status, redo, version")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	slog.Info("starting migration", "command", args[0])
	if err := repository.RunMigrations(ctx, cfg.DatabaseURL, args[0], args[1:]...); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("Migration finished successfully")
}
