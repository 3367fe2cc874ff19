// Package main implements the Bidsmith API server: spreadsheet ingestion
// and retrieval-augmented question answering over the ingested corpus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bidsmith-ai/bidsmith/engine/ingest"
	"github.com/bidsmith-ai/bidsmith/engine/rag"
	"github.com/bidsmith-ai/bidsmith/engine/vectorstore"
	"github.com/bidsmith-ai/bidsmith/pkg/metrics"
	"github.com/bidsmith-ai/bidsmith/pkg/mid"
	"github.com/bidsmith-ai/bidsmith/pkg/openai"
	"github.com/bidsmith-ai/bidsmith/pkg/resilience"
	"github.com/joho/godotenv"
)

var met = metrics.New()

var (
	mIngestRuns    = met.Counter("bidsmith_ingest_runs_total", "Ingestion runs started")
	mIngestRecords = met.Counter("bidsmith_ingest_records_total", "Records seen across all runs")
	mIngestSkipped = met.Counter("bidsmith_ingest_skipped_total", "Records skipped by dedup")
	mIngestErrors  = met.Counter("bidsmith_ingest_errors_total", "Records that failed ingestion")
	mQueries       = met.Counter("bidsmith_query_requests_total", "Query requests served")
	mQueryMock     = met.Counter("bidsmith_query_mock_total", "Queries answered in degraded mode")
	mQueryFallback = met.Counter("bidsmith_query_fallback_total", "Queries answered by the error fallback")
	mIngestDur     = met.Histogram("bidsmith_ingest_duration_seconds", "Per-run ingestion time", nil)
	mQueryDur      = met.Histogram("bidsmith_query_duration_seconds", "Per-request query time", nil)
)

// maxUploadBytes bounds the multipart spreadsheet upload.
const maxUploadBytes = 32 << 20

// Config holds all environment-based configuration.
type Config struct {
	Port           string
	MetricsPort    int
	VectorGRPCAddr string
	VectorRESTURL  string
	VectorAPIKey   string
	Collection     string
	InsecureTLS    bool
	EmbedDims      int
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	EmbedModel     string
	ChatModel      string
	EmbedRate      float64
	CORSOrigin     string
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:           envOr("PORT", "8080"),
		MetricsPort:    envInt("METRICS_PORT", 9091),
		VectorGRPCAddr: envOr("VECTOR_GRPC_ADDR", "localhost:6334"),
		VectorRESTURL:  envOr("VECTOR_REST_URL", "https://localhost:6333"),
		VectorAPIKey:   os.Getenv("VECTOR_API_KEY"),
		Collection:     envOr("VECTOR_COLLECTION", "bidsmith"),
		InsecureTLS:    envBool("VECTOR_INSECURE_TLS", true),
		EmbedDims:      envInt("EMBED_DIMS", 1536),
		OpenAIBaseURL:  envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		EmbedModel:     envOr("EMBED_MODEL", "text-embedding-3-small"),
		ChatModel:      envOr("CHAT_MODEL", "gpt-4o-mini"),
		EmbedRate:      envFloat("EMBED_RATE", 5),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
	}
	if cfg.VectorAPIKey == "" {
		return cfg, fmt.Errorf("VECTOR_API_KEY is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return cfg, fmt.Errorf("OPENAI_API_KEY is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("configuration error", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.ServeAsync(cfg.MetricsPort)

	// --- Vector store ---
	store := vectorstore.New(vectorstore.Config{
		GRPCAddr:    cfg.VectorGRPCAddr,
		RESTURL:     cfg.VectorRESTURL,
		APIKey:      cfg.VectorAPIKey,
		Collection:  cfg.Collection,
		InsecureTLS: cfg.InsecureTLS,
	}, logger)

	type collectionEnsurer interface {
		EnsureCollection(ctx context.Context, dims int) error
	}
	if ens, ok := store.(collectionEnsurer); ok {
		if err := ens.EnsureCollection(ctx, cfg.EmbedDims); err != nil {
			logger.Warn("ensure collection failed", "err", err)
		}
	}

	// Connectivity is probed once; the availability value stands for the
	// process lifetime.
	avail := vectorstore.Probe(ctx, store)
	if avail.Connected {
		logger.Info("vector store reachable", "collection", cfg.Collection)
	} else {
		logger.Warn("vector store unreachable, running in degraded mode")
	}

	// --- Model gateway ---
	ai := openai.New(openai.Config{
		BaseURL:    cfg.OpenAIBaseURL,
		APIKey:     cfg.OpenAIAPIKey,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		EmbedRate:  cfg.EmbedRate,
	})
	completer := &guardedCompleter{
		inner:   ai,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}

	// --- Pipeline and query service ---
	pipe := ingest.New(ingest.Deps{
		Embedder: ai,
		Store:    store,
		Avail:    avail,
		Logger:   logger,
	})
	ragSvc := rag.New(rag.Deps{
		Embedder:  ai,
		Completer: completer,
		Store:     store,
		Avail:     avail,
		Opts:      rag.DefaultOptions(),
		Logger:    logger,
	})

	// --- HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(avail))
	mux.HandleFunc("POST /api/ingest", handleIngest(pipe, logger))
	mux.HandleFunc("POST /api/query", handleQuery(ragSvc))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("bidsmith-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(avail vectorstore.Availability) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"store_connected": avail.Connected,
			"store_checked":   avail.CheckedAt.Format(time.RFC3339),
		})
	}
}

func handleIngest(pipe *ingest.Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			http.Error(w, `{"error":"invalid multipart form"}`, http.StatusBadRequest)
			return
		}
		rfpID := r.FormValue("rfp_id")
		if rfpID == "" {
			http.Error(w, `{"error":"rfp_id is required"}`, http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, `{"error":"file is required"}`, http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			http.Error(w, `{"error":"failed to read upload"}`, http.StatusBadRequest)
			return
		}

		meta := ingest.Metadata{RFPID: rfpID}
		if raw := r.FormValue("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta.Extra); err != nil {
				http.Error(w, `{"error":"metadata must be a JSON object of strings"}`, http.StatusBadRequest)
				return
			}
		}

		mIngestRuns.Inc()
		start := time.Now()
		outcome, err := pipe.ProcessWorkbook(r.Context(), data, meta)
		mIngestDur.Since(start)
		if err != nil {
			logger.Error("ingestion failed", "rfp_id", rfpID, "err", err)
			http.Error(w, `{"error":"could not process spreadsheet"}`, http.StatusUnprocessableEntity)
			return
		}

		mIngestRecords.Add(int64(outcome.Stats.TotalItems))
		mIngestSkipped.Add(int64(outcome.Stats.Skipped))
		mIngestErrors.Add(int64(outcome.Stats.Errors))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome)
	}
}

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Question  string `json:"question"`
	Category  string `json:"category,omitempty"`
	SheetName string `json:"sheet_name,omitempty"`
}

func handleQuery(ragSvc *rag.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Question == "" {
			http.Error(w, `{"error":"question is required"}`, http.StatusBadRequest)
			return
		}

		mQueries.Inc()
		start := time.Now()
		res := ragSvc.Query(r.Context(), req.Question, vectorstore.Filter{
			Category:  req.Category,
			SheetName: req.SheetName,
		})
		mQueryDur.Since(start)
		if res.MockMode {
			mQueryMock.Inc()
		}
		if res.Error != "" {
			mQueryFallback.Inc()
		}

		// The query surface degrades instead of failing; the endpoint is
		// always 200 with a well-formed body.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

// guardedCompleter wraps the chat capability in a circuit breaker so a
// struggling model endpoint sheds load quickly instead of queueing.
type guardedCompleter struct {
	inner   *openai.Client
	breaker *resilience.Breaker
}

func (g *guardedCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	var out string
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Complete(ctx, system, user)
		return err
	})
	return out, err
}
