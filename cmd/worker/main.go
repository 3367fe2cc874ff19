// Package main implements the ingestion worker: it consumes ingestion
// jobs from NATS, runs the referenced spreadsheets through the pipeline,
// and publishes per-job outcomes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bidsmith-ai/bidsmith/engine/ingest"
	"github.com/bidsmith-ai/bidsmith/engine/vectorstore"
	"github.com/bidsmith-ai/bidsmith/pkg/metrics"
	"github.com/bidsmith-ai/bidsmith/pkg/natsutil"
	"github.com/bidsmith-ai/bidsmith/pkg/openai"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

// Job subjects. Jobs reference files on a volume shared with the producer.
const (
	subjectIngest = "rfp.ingest"
	subjectDone   = "rfp.ingest.done"
	subjectDLQ    = "rfp.ingest.dlq"
)

var met = metrics.New()

var (
	mJobs       = met.Counter("bidsmith_worker_jobs_total", "Ingestion jobs received")
	mJobsFailed = met.Counter("bidsmith_worker_jobs_failed_total", "Jobs routed to the dead letter subject")
	mJobDur     = met.Histogram("bidsmith_worker_job_duration_seconds", "Per-job processing time", nil)
)

// IngestJob is the message consumed from the ingest subject.
type IngestJob struct {
	Path     string            `json:"path"`
	RFPID    string            `json:"rfp_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JobResult is published for every finished job.
type JobResult struct {
	RFPID   string         `json:"rfp_id"`
	Path    string         `json:"path"`
	Outcome ingest.Outcome `json:"outcome,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	godotenv.Load()

	natsURL := envOr("NATS_URL", nats.DefaultURL)
	vectorAPIKey := os.Getenv("VECTOR_API_KEY")
	openaiAPIKey := os.Getenv("OPENAI_API_KEY")
	if vectorAPIKey == "" || openaiAPIKey == "" {
		logger.Error("VECTOR_API_KEY and OPENAI_API_KEY are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.ServeAsync(9092)

	store := vectorstore.New(vectorstore.Config{
		GRPCAddr:    envOr("VECTOR_GRPC_ADDR", "localhost:6334"),
		RESTURL:     envOr("VECTOR_REST_URL", "https://localhost:6333"),
		APIKey:      vectorAPIKey,
		Collection:  envOr("VECTOR_COLLECTION", "bidsmith"),
		InsecureTLS: os.Getenv("VECTOR_INSECURE_TLS") != "false",
	}, logger)
	avail := vectorstore.Probe(ctx, store)
	if !avail.Connected {
		logger.Warn("vector store unreachable, jobs will produce synthetic stats")
	}

	ai := openai.New(openai.Config{
		BaseURL:    envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		APIKey:     openaiAPIKey,
		EmbedModel: envOr("EMBED_MODEL", "text-embedding-3-small"),
	})

	pipe := ingest.New(ingest.Deps{
		Embedder: ai,
		Store:    store,
		Avail:    avail,
		Logger:   logger,
	})

	nc, err := nats.Connect(natsURL, nats.Name("bidsmith-worker"))
	if err != nil {
		logger.Error("nats connect failed", "url", natsURL, "err", err)
		os.Exit(1)
	}
	defer nc.Drain()

	sub, err := natsutil.Subscribe(nc, subjectIngest, func(ctx context.Context, job IngestJob) {
		handleJob(ctx, nc, pipe, job, logger)
	})
	if err != nil {
		logger.Error("subscribe failed", "subject", subjectIngest, "err", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	logger.Info("worker started", "subject", subjectIngest)
	<-ctx.Done()
	logger.Info("shutting down")
}

func handleJob(ctx context.Context, nc *nats.Conn, pipe *ingest.Pipeline, job IngestJob, logger *slog.Logger) {
	mJobs.Inc()
	start := time.Now()
	defer mJobDur.Since(start)

	result := JobResult{RFPID: job.RFPID, Path: job.Path}

	data, err := os.ReadFile(job.Path)
	if err == nil {
		result.Outcome, err = pipe.ProcessWorkbook(ctx, data, ingest.Metadata{
			RFPID: job.RFPID,
			Extra: job.Metadata,
		})
	}
	if err != nil {
		mJobsFailed.Inc()
		result.Error = err.Error()
		logger.Error("job failed", "rfp_id", job.RFPID, "path", job.Path, "err", err)
		if perr := natsutil.Publish(ctx, nc, subjectDLQ, result); perr != nil {
			logger.Error("dead letter publish failed", "err", perr)
		}
		return
	}

	logger.Info("job done", "rfp_id", job.RFPID, "stats", result.Outcome.Stats)
	if perr := natsutil.Publish(ctx, nc, subjectDone, result); perr != nil {
		logger.Error("result publish failed", "err", perr)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
