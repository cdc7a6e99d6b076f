package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"documint/internal/config"
	"documint/internal/embedding"
	"documint/internal/helper"
	"documint/internal/ingest"
	"documint/internal/insight"
	"documint/internal/llmservice"
	"documint/internal/parser"
	"documint/internal/promptcache"
	"documint/internal/session"
	"documint/internal/store"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", defaultConfigPath, "Path to the config file")
	project := flag.String("project", "", "Project name")
	persona := flag.String("persona", "", "Persona the queries are asked as")
	task := flag.String("task", "", "Task description used for domain detection")
	ingestFiles := flag.String("ingest", "", "Comma-separated document paths to ingest")
	query := flag.String("query", "", "Query to run against the project index")
	topK := flag.Int("k", 0, "Number of results to return (default from config)")
	remove := flag.String("remove", "", "File name to remove from the project")
	info := flag.Bool("info", false, "Print project info")
	exportPath := flag.String("export", "", "Write a project snapshot to this path")
	importPath := flag.String("import", "", "Restore a project snapshot from this path")
	analyze := flag.String("analyze", "", "Analysis prompt to run against the project")
	listInsights := flag.Bool("insights", false, "List persisted analyses")
	getInsight := flag.String("insight", "", "Print one persisted analysis by id")
	deleteInsight := flag.String("delete-insight", "", "Delete one persisted analysis by id")
	cacheStats := flag.Bool("cache-stats", false, "Print prompt cache statistics")
	cacheClear := flag.Bool("cache-clear", false, "Clear the prompt cache")
	cachePrune := flag.Int("cache-prune-hours", 0, "Drop prompt cache entries idle longer than this many hours")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("Config not loaded, using defaults")
		cfg = config.Default()
	}

	ctx := context.Background()

	var content store.ContentStore
	var embeds store.EmbeddingStore
	switch cfg.Storage.Driver {
	case "postgres":
		sqldb := store.ConnectDB(cfg.Storage.DSN, cfg.Storage.Password)
		bundb := store.NewBunDB(sqldb, cfg.Storage.Debug)
		defer bundb.Close()
		if err := store.InitPgSchema(ctx, bundb); err != nil {
			log.Fatal().Err(err).Msg("Error initializing database schema")
		}
		content = store.NewPgContentStore(bundb)
		embeds = store.NewPgEmbeddingStore(bundb)
	default:
		content = store.NewFileContentStore(cfg.DataDir)
		embeds = store.NewFileEmbeddingStore(cfg.DataDir)
	}

	provider, err := embedding.NewProvider(&cfg.EmbedLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedding provider")
	}
	if provider == nil {
		log.Warn().Msg("No embedding model configured, running lexical-only")
	}

	sessions := session.NewCache(time.Duration(cfg.Session.TTLMinutes) * time.Minute)
	defer sessions.Close()

	svc := ingest.NewService(content, embeds, sessions, provider, parser.New(), &cfg.RAG)

	prompts, err := promptcache.New(ctx, filepath.Join(cfg.CacheDir, "prompt_cache.json"), provider, cfg.RAG.SimilarityThreshold)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening prompt cache")
	}

	llm, err := llmservice.NewClient(&cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing generation LLM")
	}
	var generator llmservice.GenerationService
	if llm != nil {
		generator = llm
	}
	insights := insight.NewService(svc, prompts, generator, llm.ModelName(), filepath.Join(cfg.CacheDir, "insights"), cfg.RAG.TopK)

	switch {
	case *cacheStats:
		helper.PrettyPrint(prompts.Stats())
	case *cacheClear:
		if err := prompts.Clear(); err != nil {
			log.Fatal().Err(err).Msg("Error clearing prompt cache")
		}
		log.Info().Msg("Prompt cache cleared")
	case *cachePrune > 0:
		cutoff := time.Now().Add(-time.Duration(*cachePrune) * time.Hour)
		removed, err := prompts.RemoveOlderThan(cutoff)
		if err != nil {
			log.Fatal().Err(err).Msg("Error pruning prompt cache")
		}
		log.Info().Int("removed", removed).Msg("Prompt cache pruned")
	case *importPath != "":
		runImport(svc, *importPath)
	case *listInsights:
		all, err := insights.List()
		if err != nil {
			log.Fatal().Err(err).Msg("Error listing analyses")
		}
		helper.PrettyPrint(all)
	case *getInsight != "":
		a, err := insights.Get(*getInsight)
		if err != nil {
			log.Fatal().Err(err).Msg("Error loading analysis")
		}
		helper.PrettyPrint(a)
	case *deleteInsight != "":
		if err := insights.Delete(*deleteInsight); err != nil {
			log.Fatal().Err(err).Msg("Error deleting analysis")
		}
		log.Info().Str("id", *deleteInsight).Msg("Analysis deleted")
	case *project == "":
		log.Fatal().Msg("Please provide a project name with -project")
	case *exportPath != "":
		runExport(svc, *project, *exportPath)
	case *info:
		pi, err := svc.Info(*project)
		if err != nil {
			log.Fatal().Err(err).Msg("Error loading project info")
		}
		helper.PrettyPrint(pi)
	case *remove != "":
		if err := svc.Remove(ctx, *project, *remove); err != nil {
			log.Fatal().Err(err).Msg("Error removing file")
		}
		log.Info().Str("file", *remove).Msg("File removed")
	default:
		runSession(ctx, cfg, svc, insights, *project, *persona, *task, *ingestFiles, *query, *analyze, *topK)
	}
}

// runSession resolves a session token (ingesting files first when given) and
// then runs the requested query and/or analysis against it.
func runSession(ctx context.Context, cfg *config.Config, svc *ingest.Service, insights *insight.Service, project, persona, task, ingestFiles, query, analyze string, topK int) {
	if ingestFiles == "" && query == "" && analyze == "" {
		log.Fatal().Msg("Nothing to do: provide -ingest, -query, or -analyze")
	}

	var files []ingest.InputFile
	for _, path := range strings.Split(ingestFiles, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Error reading document")
		}
		files = append(files, ingest.InputFile{Name: filepath.Base(path), Data: data})
	}

	res, err := svc.Ingest(ctx, project, persona, task, files)
	if err != nil {
		log.Fatal().Err(err).Msg("Error starting ingestion")
	}
	log.Info().
		Str("token", res.Token).
		Bool("reused", res.Reused).
		Strs("new_files", res.NewFiles).
		Strs("skipped", res.SkippedFiles).
		Msg("Ingestion accepted")

	entry := waitForSession(svc, res.Token)
	if entry.ErrMsg != "" {
		log.Fatal().Str("error", entry.ErrMsg).Msg("Ingestion failed")
	}
	if entry.Empty {
		log.Warn().Msg("Project has no indexable content")
		return
	}
	log.Info().
		Str("domain", entry.Domain).
		Int("chunks", len(entry.Chunks)).
		Bool("incremental", entry.Incremental).
		Bool("persisted", entry.Persisted || entry.Reused).
		Msg("Index ready")

	if query != "" {
		k := topK
		if k <= 0 {
			k = cfg.RAG.TopK
		}
		hits, err := svc.Query(ctx, res.Token, query, persona, task, k)
		if err != nil {
			log.Fatal().Err(err).Msg("Error running query")
		}
		helper.PrettyPrint(hits)
	}

	if analyze != "" {
		a, err := insights.Analyze(ctx, res.Token, persona, task, analyze)
		if err != nil {
			log.Fatal().Err(err).Msg("Error running analysis")
		}
		fmt.Println(a.Response)
		log.Info().Str("id", a.ID).Str("cache_hit", a.CacheHit).Msg("Analysis stored")
	}
}

func waitForSession(svc *ingest.Service, token string) *session.Entry {
	for {
		entry, ok := svc.Session(token)
		if !ok {
			log.Fatal().Msg("Session disappeared while processing")
		}
		if !entry.Processing {
			return entry
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func runExport(svc *ingest.Service, project, path string) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating export file")
	}
	defer f.Close()
	if err := svc.Export(project, f); err != nil {
		log.Fatal().Err(err).Msg("Error exporting project")
	}
	log.Info().Str("project", project).Str("path", path).Msg("Project exported")
}

func runImport(svc *ingest.Service, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening snapshot")
	}
	defer f.Close()
	name, err := svc.Import(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Error importing snapshot")
	}
	log.Info().Str("project", name).Msg("Project imported")
}
