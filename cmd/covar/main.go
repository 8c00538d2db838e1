// Command covar runs the covar service: the ingestion and query HTTP API,
// the background maintenance loops, or both, selected by mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/covarlab/covar/internal/app"
	"github.com/covarlab/covar/internal/config"
	"github.com/covarlab/covar/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, api, maintain")
	flag.StringVar(&httpAddr, "http-addr", "", "Listen address for the HTTP API")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "covar - schema-governed participant variable store\n\n")
		fmt.Fprintf(os.Stderr, "Usage: covar [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  covar -data-dir /var/lib/covar\n")
		fmt.Fprintf(os.Stderr, "  covar -mode api -http-addr :8080\n")
		fmt.Fprintf(os.Stderr, "  covar -config /etc/covar/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment variables (override file, overridden by flags):\n")
		fmt.Fprintf(os.Stderr, "  COVAR_MODE         Service mode (all, api, maintain)\n")
		fmt.Fprintf(os.Stderr, "  COVAR_DATA_DIR     Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  COVAR_HTTP_ADDR    HTTP API listen address\n")
		fmt.Fprintf(os.Stderr, "  COVAR_DB_DIALECT   Database dialect (sqlite, postgres)\n")
		fmt.Fprintf(os.Stderr, "  COVAR_DB_DSN       Postgres connection string\n")
		fmt.Fprintf(os.Stderr, "  COVAR_LOG_LEVEL    Log level\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("covar version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr, logLevel)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	application, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown wait error: %v", err)
	}
	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers configuration sources: file or defaults, then
// environment, then flags. A .env file in the working directory is read
// into the environment first so operators can keep credentials out of
// unit files.
func loadConfig(configFile, dataDir, mode, httpAddr, logLevel string) (*config.Config, error) {
	_ = godotenv.Load()

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
