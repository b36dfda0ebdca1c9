package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iiTONELOC/safe-pc/internal/api"
	"github.com/iiTONELOC/safe-pc/internal/cache"
	"github.com/iiTONELOC/safe-pc/internal/config"
	"github.com/iiTONELOC/safe-pc/internal/db"
	"github.com/iiTONELOC/safe-pc/internal/download"
	"github.com/iiTONELOC/safe-pc/internal/jobs"
	"github.com/iiTONELOC/safe-pc/internal/pipeline"
	"github.com/iiTONELOC/safe-pc/internal/tools"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting Safe PC build service")
	log.Printf("Database: %s", cfg.DatabasePath)
	log.Printf("Answer cache: %s", cfg.CacheDir)
	log.Printf("Server: %s:%d", cfg.ServerHost, cfg.ServerPort)

	// Initialize build history database
	database, err := db.NewDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()
	log.Println("Database initialized successfully")

	// Initialize the answer/artifact cache
	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		log.Fatalf("Failed to initialize artifact cache: %v", err)
	}
	log.Println("Artifact cache initialized successfully")

	manager := jobs.NewManager(cfg.MaxJobs, store, database)
	pipe := pipeline.New(cfg, &tools.ExecRunner{}, store)
	downloader := download.New(filepath.Join(cfg.ISODir, "base"))

	// Daily build-history retention sweep
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := database.CleanOldEvents(365); err != nil {
				log.Printf("Failed to clean old build events: %v", err)
			}
		}
	}()

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Println("Received shutdown signal, shutting down gracefully...")
		database.Close()
		os.Exit(0)
	}()

	// Start HTTP API server (blocking)
	log.Printf("Starting HTTP server on %s:%d", cfg.ServerHost, cfg.ServerPort)
	apiServer := api.NewServer(manager, store, database, pipe, downloader, cfg)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
