// Command covar-schema manages schema contract versions: publishing a new
// version from a contract file and inspecting what has been published.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/covarlab/covar/internal/config"
	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "publish":
		runPublish(os.Args[2:])
	case "current":
		runCurrent(os.Args[2:])
	case "show":
		runShow(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "covar-schema: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "covar-schema - manage schema contract versions\n\n")
	fmt.Fprintf(os.Stderr, "Usage: covar-schema COMMAND [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  publish   Publish a new version from a contract file\n")
	fmt.Fprintf(os.Stderr, "  current   Print the current version\n")
	fmt.Fprintf(os.Stderr, "  show      Print one version by number\n")
	fmt.Fprintf(os.Stderr, "  list      List all published versions\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  covar-schema publish -f contract.yaml\n")
	fmt.Fprintf(os.Stderr, "  covar-schema show -version 3\n")
}

func runPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	contractFile := fs.String("f", "", "Path to the contract file (YAML)")
	configFile := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	dataDir := fs.String("data-dir", "", "Base directory for data files")
	fs.Parse(args)

	if *contractFile == "" {
		fmt.Fprintln(os.Stderr, "covar-schema publish: -f is required")
		fs.Usage()
		os.Exit(2)
	}

	draft, err := schema.LoadContract(*contractFile)
	if err != nil {
		log.Fatalf("Invalid contract: %v", err)
	}

	st, registry := openRegistry(*configFile, *dataDir)
	defer st.Close()

	version, err := registry.Publish(context.Background(), draft)
	if err != nil {
		log.Fatalf("Publish failed: %v", err)
	}
	fmt.Printf("published schema version %d: %d datasets, %d variables\n",
		version.Version, len(version.Datasets), version.VariableCount())
}

func runCurrent(args []string) {
	fs := flag.NewFlagSet("current", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	dataDir := fs.String("data-dir", "", "Base directory for data files")
	fs.Parse(args)

	st, registry := openRegistry(*configFile, *dataDir)
	defer st.Close()

	version, err := registry.Current(context.Background())
	if err != nil {
		log.Fatalf("Failed to load current version: %v", err)
	}
	printVersion(version)
}

func runShow(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	versionNum := fs.Int64("version", 0, "Version number to show")
	configFile := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	dataDir := fs.String("data-dir", "", "Base directory for data files")
	fs.Parse(args)

	if *versionNum < 1 {
		fmt.Fprintln(os.Stderr, "covar-schema show: -version must be a positive version number")
		fs.Usage()
		os.Exit(2)
	}

	st, registry := openRegistry(*configFile, *dataDir)
	defer st.Close()

	version, err := registry.Get(context.Background(), *versionNum)
	if err != nil {
		log.Fatalf("Failed to load version %d: %v", *versionNum, err)
	}
	printVersion(version)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML or JSON)")
	dataDir := fs.String("data-dir", "", "Base directory for data files")
	fs.Parse(args)

	st, registry := openRegistry(*configFile, *dataDir)
	defer st.Close()

	versions, err := registry.List(context.Background())
	if err != nil {
		log.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) == 0 {
		fmt.Println("no schema versions published")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tPUBLISHED\tDATASETS\tVARIABLES")
	for i := range versions {
		v := &versions[i]
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\n",
			v.Version, v.PublishedAt.UTC().Format(time.RFC3339), len(v.Datasets), v.VariableCount())
	}
	w.Flush()
}

func printVersion(version *types.SchemaVersion) {
	data, err := json.MarshalIndent(version, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode version: %v", err)
	}
	fmt.Println(string(data))
}

// openRegistry wires the store and registry the way the server does, so
// the tool sees exactly what a running instance would.
func openRegistry(configFile, dataDir string) (*store.Store, *schema.Registry) {
	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to prepare data directories: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	st, err := store.Open(store.Options{
		Dialect:      store.Dialect(cfg.DB.Dialect),
		Path:         cfg.DB.Path,
		DSN:          cfg.DB.DSN,
		MaxReadConns: cfg.DB.MaxReadConns,
	})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	return st, schema.NewRegistry(st, logger)
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
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
	cfg.Resolve()
	return cfg, nil
}
