// Package main is the plasmarag CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/plasmahub/plasmarag/internal/config"
	"github.com/plasmahub/plasmarag/internal/embedding"
	"github.com/plasmahub/plasmarag/internal/extract"
	"github.com/plasmahub/plasmarag/internal/ingest"
	"github.com/plasmahub/plasmarag/internal/models"
	"github.com/plasmahub/plasmarag/internal/reload"
	"github.com/plasmahub/plasmarag/internal/search"
	"github.com/plasmahub/plasmarag/internal/server"
	"github.com/plasmahub/plasmarag/internal/storage"
	"github.com/plasmahub/plasmarag/internal/vector"
	"github.com/plasmahub/plasmarag/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/plasmarag/config.yaml"

// loadConfig loads config from path. When path is the default, a config.yaml
// in the current directory takes precedence, so running from the project dir
// picks up the project's config.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "query":
		runQuery()
	case "recommend":
		runRecommend()
	case "stats":
		runStats()
	case "version", "--version", "-v":
		fmt.Printf("plasmarag version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	// Other writer processes replace the index files under the shared lock;
	// pick those replacements up without a restart.
	reloadOpts := []reload.Option{}
	if debugMode {
		reloadOpts = append(reloadOpts, reload.WithLogger(logger))
	}
	reloader := reload.NewReloader([]reload.Target{
		{Path: cfg.Storage.PaperIndexPath, Index: components.PaperIndex},
		{Path: cfg.Storage.ForceIndexPath, Index: components.ForceIndex},
	}, reloadOpts...)
	reloadCtx, reloadCancel := context.WithCancel(context.Background())
	defer reloadCancel()
	if err := reloader.Start(reloadCtx); err != nil {
		logger.Fatal("Failed to start index reloader", zap.Error(err))
	}
	defer reloader.Stop()

	srv := server.NewServer(
		components.Coordinator,
		components.Retriever,
		components.Inference,
		components.Store,
		components.PaperIndex,
		components.ForceIndex,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	extractDoc := fs.Bool("extract", false, "treat the file as raw document text and run structure extraction first")
	name := fs.String("name", "", "document name used when extraction cannot recover a title (default: file name)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: plasmarag ingest [flags] <paper.json | document.txt>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Failed to read %s: %v\n", path, err)
		os.Exit(1)
	}

	ctx := context.Background()
	var paper *models.Paper
	if *extractDoc {
		if components.Inference == nil {
			fmt.Println("Extraction requires a configured inference service (inference.base_url and api key)")
			os.Exit(1)
		}
		docName := *name
		if docName == "" {
			docName = filepath.Base(path)
		}
		paper, err = components.Inference.ExtractPaper(ctx, string(data), docName)
		if err != nil {
			fmt.Printf("Extraction failed: %v\n", err)
			os.Exit(1)
		}
		annotateFigures(ctx, components.Inference, paper)
	} else {
		paper = &models.Paper{}
		if err := json.Unmarshal(data, paper); err != nil {
			fmt.Printf("Failed to parse paper JSON: %v\n", err)
			os.Exit(1)
		}
	}

	result, err := components.Coordinator.Ingest(ctx, paper)
	if err != nil {
		fmt.Printf("Ingest failed: %v\n", err)
		os.Exit(1)
	}
	switch result.Status {
	case ingest.StatusStored:
		fmt.Printf("Stored: %s (id %d, %d new force fields, %d shared, %d figures)\n",
			paper.Title(), result.PaperID, result.ForcesStored, result.ForcesShared, result.Figures)
	case ingest.StatusSkipped:
		fmt.Printf("Skipped: %s (%s)\n", paper.Title(), result.Reason)
	default:
		fmt.Printf("Failed: %s (%s)\n", paper.Title(), result.Reason)
		os.Exit(1)
	}
}

// annotateFigures fills in captions for figures that arrived without one.
// Annotation never fails the ingest; figures keep their fallback caption when
// the vision model is unreachable.
func annotateFigures(ctx context.Context, inference *extract.Client, paper *models.Paper) {
	var summary strings.Builder
	for _, p := range paper.Parameters {
		fmt.Fprintf(&summary, "%s (%s): %s\n", p.Name, p.Symbol, p.Meaning)
	}
	for i := range paper.Figures {
		fig := &paper.Figures[i]
		if fig.Caption != "" || fig.ImagePath == "" {
			continue
		}
		ann := inference.AnnotateFigure(ctx, fig.ImagePath, fig.Page, summary.String())
		fig.Caption = ann.Caption
		if len(fig.LinkedParameters) == 0 {
			fig.LinkedParameters = ann.LinkedParameters
		}
	}
}

func runQuery() {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = direct storage access)")
	topK := fs.Int("top-k", 0, "number of results per list (0 = config default)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: plasmarag query [flags] <text>")
		os.Exit(1)
	}
	queryStr := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if queryStr == "" {
		fmt.Println("Usage: plasmarag query [flags] <text>")
		os.Exit(1)
	}

	var response *search.Response
	if *serverURL != "" {
		res, err := queryViaHTTP(*serverURL, queryStr, *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
			os.Exit(1)
		}
		response = res
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		logger, err := utils.NewLogger(cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()

		components, err := initializeComponents(cfg, logger, cfg.Debug)
		if err != nil {
			logger.Fatal("Failed to initialize", zap.Error(err))
		}
		defer components.Close()

		response, err = components.Retriever.Query(context.Background(), queryStr, *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
			os.Exit(1)
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(response); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		printQueryResults(response)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func printQueryResults(response *search.Response) {
	fmt.Printf("# papers (%d)\n", len(response.Papers))
	for i, hit := range response.Papers {
		fmt.Printf("%d. %s  [distance %.4f]\n", i+1, hit.Paper.Title(), hit.Distance)
		fmt.Printf("   environment: %s\n", hit.Paper.PhysicsContext.Environment)
		fmt.Printf("   innovation:  %s\n", utils.Truncate(hit.Paper.Metadata.Innovation, 120))
	}
	fmt.Printf("\n# force fields (%d)\n", len(response.Forces))
	for i, hit := range response.Forces {
		fmt.Printf("%d. %s  [distance %.4f, from %q]\n", i+1, hit.Force.Name, hit.Distance, hit.SourcePaper)
		if hit.Force.Formula != "" {
			fmt.Printf("   formula: %s\n", hit.Force.Formula)
		}
	}
	fmt.Printf("\nquery_time_ms: %d\n", response.QueryTimeMs)
}

func queryViaHTTP(serverURL, query string, topK int) (*search.Response, error) {
	body, err := json.Marshal(map[string]interface{}{"query": query, "top_k": topK})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/query", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response search.Response
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func runRecommend() {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	queryStr := fs.String("query", "", "text describing the physics of interest (required)")
	paramsJSON := fs.String("params", "", `parameters to sweep as JSON, e.g. '{"time_scale": {"value": "200", "unit": "ms"}}' (required)`)
	phenomena := fs.String("phenomena", "", "expected phenomena")
	topK := fs.Int("top-k", 0, "number of reference candidates (0 = config default)")
	_ = fs.Parse(os.Args[2:])

	if *queryStr == "" || *paramsJSON == "" {
		fmt.Println("Usage: plasmarag recommend --query <text> --params <json> [--phenomena <text>]")
		os.Exit(1)
	}
	var params map[string]extract.UserParam
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fmt.Printf("Failed to parse --params: %v\n", err)
		os.Exit(1)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	if components.Inference == nil {
		fmt.Println("Recommendation requires a configured inference service (inference.base_url and api key)")
		os.Exit(1)
	}

	ctx := context.Background()
	hits, err := components.Retriever.Query(ctx, *queryStr, *topK)
	if err != nil {
		fmt.Printf("Retrieval failed: %v\n", err)
		os.Exit(1)
	}
	if len(hits.Papers) == 0 {
		fmt.Println("No reference paper found; ingest papers first")
		os.Exit(1)
	}
	reference := hits.Papers[0]
	related := make([]*storage.StoredForceField, 0, len(hits.Forces))
	for _, f := range hits.Forces {
		related = append(related, f.StoredForceField)
	}

	rec, err := components.Inference.Recommend(ctx, &reference.Paper, params, *phenomena, related)
	if err != nil {
		fmt.Printf("Recommendation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("reference paper: %s\n\n", reference.Paper.Title())
	for name, pr := range rec.ParameterRecommendations {
		fmt.Printf("%s:\n", name)
		if len(pr.Range) == 2 {
			fmt.Printf("  range:  [%g, %g] %s\n", pr.Range[0], pr.Range[1], pr.Unit)
		}
		fmt.Printf("  step:   %g\n", pr.Step)
		fmt.Printf("  reason: %s\n", pr.Reason)
	}
	fmt.Printf("\nforce field: %s\n  reason: %s\n",
		rec.ForceFieldRecommendation.Name, rec.ForceFieldRecommendation.Reason)
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = direct storage access)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var stats map[string]interface{}
	if *serverURL != "" {
		res, err := statsViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
			os.Exit(1)
		}
		stats = res
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		logger, err := utils.NewLogger(cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()

		components, err := initializeComponents(cfg, logger, cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer components.Close()

		ctx := context.Background()
		papers, err := components.Store.CountPapers(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count papers failed: %v\n", err)
			os.Exit(1)
		}
		forces, err := components.Store.CountForceFields(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count force fields failed: %v\n", err)
			os.Exit(1)
		}
		figures, err := components.Store.CountFigures(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count figures failed: %v\n", err)
			os.Exit(1)
		}
		stats = map[string]interface{}{
			"papers":           papers,
			"force_fields":     forces,
			"figures":          figures,
			"paper_index_size": components.PaperIndex.Size(),
			"force_index_size": components.ForceIndex.Size(),
			"dimensions":       components.PaperIndex.Dimensions(),
		}
		diskBytes, err := storage.DiskUsageBytes(
			cfg.Storage.DatabasePath,
			cfg.Storage.PaperIndexPath,
			cfg.Storage.ForceIndexPath,
		)
		if err == nil {
			stats["disk_usage_bytes"] = diskBytes
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		for _, key := range []string{
			"papers", "force_fields", "figures",
			"paper_index_size", "force_index_size",
			"dimensions", "disk_usage_bytes",
		} {
			if v, ok := stats[key]; ok {
				fmt.Printf("%-18s %v\n", key+":", v)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func statsViaHTTP(serverURL string) (map[string]interface{}, error) {
	resp, err := http.Get(serverURL + "/api/v1/stats")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return stats, nil
}

// Components holds initialized services.
type Components struct {
	Store       *storage.SQLiteStore
	Embedder    embedding.Embedder
	PaperIndex  *vector.FlatIndex
	ForceIndex  *vector.FlatIndex
	Coordinator *ingest.Coordinator
	Retriever   *search.Retriever
	Inference   *extract.Client // nil when not configured
}

func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var embedder embedding.Embedder
	openaiEmbedder, err := embedding.NewOpenAIEmbedder(&cfg.Embedding)
	if err != nil {
		logger.Warn("embedding service not configured, using mock embedder", zap.Error(err))
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	} else {
		embedder = openaiEmbedder
	}

	paperIndex, err := vector.NewFlatIndex(cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to create paper index: %w", err)
	}
	if err := paperIndex.Load(cfg.Storage.PaperIndexPath); err != nil {
		return nil, fmt.Errorf("failed to load paper index: %w", err)
	}
	forceIndex, err := vector.NewFlatIndex(cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to create force index: %w", err)
	}
	if err := forceIndex.Load(cfg.Storage.ForceIndexPath); err != nil {
		return nil, fmt.Errorf("failed to load force index: %w", err)
	}
	logger.Info("indexes loaded",
		zap.Int("papers", paperIndex.Size()),
		zap.Int("forces", forceIndex.Size()),
		zap.Int("dimensions", paperIndex.Dimensions()),
	)

	coordOpts := []ingest.Option{}
	retrOpts := []search.Option{}
	if debug {
		coordOpts = append(coordOpts, ingest.WithLogger(logger))
		retrOpts = append(retrOpts, search.WithLogger(logger))
	}
	coordinator := ingest.NewCoordinator(store, paperIndex, forceIndex, embedder, &cfg.Storage, coordOpts...)
	retriever := search.NewRetriever(store, paperIndex, forceIndex, embedder, &cfg.Retrieval, retrOpts...)

	var inference *extract.Client
	if client, err := extract.NewClient(&cfg.Inference); err == nil {
		inference = client
	} else {
		logger.Warn("inference service not configured, extraction and recommendation disabled", zap.Error(err))
	}

	return &Components{
		Store:       store,
		Embedder:    embedder,
		PaperIndex:  paperIndex,
		ForceIndex:  forceIndex,
		Coordinator: coordinator,
		Retriever:   retriever,
		Inference:   inference,
	}, nil
}

func printUsage() {
	fmt.Println(`plasmarag - complex plasma literature knowledge base

Usage:
  plasmarag server [flags]             Start the HTTP server
  plasmarag ingest [flags] <file>      Ingest a structured paper JSON (or raw text with --extract)
  plasmarag query [flags] <text>       Retrieve similar papers and force fields
  plasmarag recommend [flags]          Recommend simulation parameter sweeps
  plasmarag stats [flags]              Show store and index statistics
  plasmarag version                    Show version
  plasmarag help                       Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/plasmarag/config.yaml)
  --debug            Enable debug logging

Ingest Flags:
  --config string    Config file path
  --extract          Treat the file as raw document text and run structure extraction
  --name string      Document name used when extraction cannot recover a title

Query Flags:
  --config string    Config file path (direct storage mode)
  --server string    Server URL (empty = direct storage access)
  --top-k int        Results per list (0 = config default)
  --output string    Output format: text or json

Recommend Flags:
  --config string    Config file path
  --query string     Text describing the physics of interest (required)
  --params string    Parameters to sweep as JSON (required)
  --phenomena string Expected phenomena

Stats Flags:
  --config string    Config file path (direct storage mode)
  --server string    Server URL (empty = direct storage access)
  --output string    Output format: text or json

Examples:
  plasmarag server
  plasmarag ingest paper.json
  plasmarag ingest --extract --name "kelvin-2024" fulltext.txt
  plasmarag query "dust chain formation under ion flow"
  plasmarag recommend --query "yukawa melting" --params '{"time_scale": {"value": "200", "unit": "ms"}}'
  plasmarag stats --output json`)
}
