// Command covar-query evaluates a cohort query directly against the
// configured store and prints the result. Filters use the same expression
// syntax the HTTP API accepts; structured queries can be read from a JSON
// file instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/covarlab/covar/internal/config"
	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/query"
	"github.com/covarlab/covar/internal/query/parser"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

type options struct {
	filter     string
	queryFile  string
	include    string
	format     string
	configFile string
	dataDir    string
}

type output struct {
	Count        int                `json:"count"`
	Participants []string           `json:"participants,omitempty"`
	Explanation  *types.Explanation `json:"explanation,omitempty"`
	Stats        query.Stats        `json:"stats"`
}

func main() {
	opts := parseFlags()

	cfg, err := loadConfig(opts.configFile, opts.dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	q, err := buildQuery(opts)
	if err != nil {
		log.Fatalf("%v", err)
	}

	includeParticipants, includeExplanation, err := parseInclude(opts.include)
	if err != nil {
		log.Fatalf("%v", err)
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
	defer st.Close()

	registry := schema.NewRegistry(st, logger)
	tracker := observability.NewSelectivityTracker(0)
	engine := query.NewEngine(st, registry, tracker, query.Options{
		MaxPredicates: cfg.Query.MaxPredicates,
		Timeout:       cfg.Query.Timeout,
	}, logger)

	res, err := engine.Evaluate(context.Background(), q)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	out := output{Count: res.Count, Stats: res.Stats}
	if includeParticipants {
		out.Participants = res.Participants
	}
	if includeExplanation {
		out.Explanation = res.Explanation
	}

	switch opts.format {
	case "json":
		printJSON(out)
	case "table":
		printTable(out)
	default:
		log.Fatalf("Unknown format %q (want table or json)", opts.format)
	}
}

func buildQuery(opts options) (*types.CohortQuery, error) {
	switch {
	case opts.filter != "" && opts.queryFile != "":
		return nil, fmt.Errorf("-filter and -query-file are mutually exclusive")
	case opts.filter != "":
		q, err := parser.Parse(opts.filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %v", err)
		}
		return q, nil
	case opts.queryFile != "":
		data, err := os.ReadFile(opts.queryFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read query file: %v", err)
		}
		q := &types.CohortQuery{}
		if err := json.Unmarshal(data, q); err != nil {
			return nil, fmt.Errorf("invalid query file: %v", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("one of -filter or -query-file is required")
	}
}

func parseInclude(include string) (participants, explanation bool, err error) {
	if include == "" {
		return false, false, nil
	}
	for _, section := range strings.Split(include, ",") {
		switch strings.TrimSpace(section) {
		case "":
		case "participants":
			participants = true
		case "explanation":
			explanation = true
		default:
			return false, false, fmt.Errorf("unknown include section %q (want participants or explanation)", section)
		}
	}
	return participants, explanation, nil
}

func printJSON(out output) {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	fmt.Println(string(data))
}

func printTable(out output) {
	fmt.Printf("count: %d\n", out.Count)
	fmt.Printf("schema version %d, %d predicates, %d participants evaluated, %d values probed, %dms\n",
		out.Stats.SchemaVersion, out.Stats.Predicates, out.Stats.Evaluated, out.Stats.Probed, out.Stats.ElapsedMS)

	if len(out.Participants) > 0 {
		fmt.Println()
		for _, id := range out.Participants {
			fmt.Println(id)
		}
	}

	if out.Explanation != nil && len(out.Explanation.Participants) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PARTICIPANT\tVARIABLE\tOP\tOUTCOME")
		for _, pm := range out.Explanation.Participants {
			for _, pred := range pm.Predicates {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pm.ParticipantID, pred.Variable, pred.Op, outcomeLabel(pred))
			}
		}
		w.Flush()
	}
}

func outcomeLabel(pred types.PredicateMatch) string {
	verdict := "no match"
	if pred.Matched {
		verdict = "match"
	}
	if !pred.HasValue {
		return verdict + " (no value)"
	}
	return fmt.Sprintf("%s (value=%s)", verdict, pred.Value)
}

func parseFlags() options {
	opts := options{}

	flag.StringVar(&opts.filter, "filter", "", "Filter expression, e.g. 'age >= 65 AND dx = \"1\"'")
	flag.StringVar(&opts.queryFile, "query-file", "", "Path to a structured query in JSON")
	flag.StringVar(&opts.include, "include", "", "Extra result sections: participants, explanation (comma separated)")
	flag.StringVar(&opts.format, "format", "table", "Output format: table or json")
	flag.StringVar(&opts.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&opts.dataDir, "data-dir", "", "Base directory for data files")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "covar-query - evaluate a cohort query against the store\n\n")
		fmt.Fprintf(os.Stderr, "Usage: covar-query -filter EXPR [options]\n")
		fmt.Fprintf(os.Stderr, "       covar-query -query-file QUERY.json [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  covar-query -filter 'age >= 65 AND dx = \"1\"'\n")
		fmt.Fprintf(os.Stderr, "  covar-query -filter 'site_id missing' -include participants\n")
		fmt.Fprintf(os.Stderr, "  covar-query -query-file cohort.json -include participants,explanation -format json\n")
	}

	flag.Parse()
	return opts
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
