// Command ingest runs a single spreadsheet through the ingestion pipeline
// and prints the resulting stats. Useful for backfills and local testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/bidsmith-ai/bidsmith/engine/ingest"
	"github.com/bidsmith-ai/bidsmith/engine/vectorstore"
	"github.com/bidsmith-ai/bidsmith/pkg/openai"
	"github.com/joho/godotenv"
)

func main() {
	var (
		file       = flag.String("file", "", "spreadsheet to ingest (.xlsx)")
		rfpID      = flag.String("rfp-id", "", "RFP identifier to tag records with")
		grpcAddr   = flag.String("vector-grpc", "localhost:6334", "vector store gRPC address")
		restURL    = flag.String("vector-rest", "https://localhost:6333", "vector store REST fallback URL")
		collection = flag.String("collection", "bidsmith", "vector collection name")
		dims       = flag.Int("dims", 1536, "embedding dimensions")
		insecure   = flag.Bool("insecure-tls", true, "skip TLS verification on the REST fallback")
		metaJSON   = flag.String("metadata", "", "extra metadata as a JSON object of strings")
	)
	flag.Parse()

	log := slog.Default()
	godotenv.Load()

	if *file == "" || *rfpID == "" {
		log.Error("-file and -rfp-id are required")
		os.Exit(1)
	}
	vectorAPIKey := os.Getenv("VECTOR_API_KEY")
	openaiAPIKey := os.Getenv("OPENAI_API_KEY")
	if vectorAPIKey == "" || openaiAPIKey == "" {
		log.Error("VECTOR_API_KEY and OPENAI_API_KEY are required")
		os.Exit(1)
	}

	meta := ingest.Metadata{RFPID: *rfpID}
	if *metaJSON != "" {
		if err := json.Unmarshal([]byte(*metaJSON), &meta.Extra); err != nil {
			log.Error("invalid -metadata", "error", err)
			os.Exit(1)
		}
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Error("read file failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store := vectorstore.New(vectorstore.Config{
		GRPCAddr:    *grpcAddr,
		RESTURL:     *restURL,
		APIKey:      vectorAPIKey,
		Collection:  *collection,
		InsecureTLS: *insecure,
	}, log)

	type collectionEnsurer interface {
		EnsureCollection(ctx context.Context, dims int) error
	}
	if ens, ok := store.(collectionEnsurer); ok {
		if err := ens.EnsureCollection(ctx, *dims); err != nil {
			log.Warn("ensure collection failed", "error", err)
		}
	}

	avail := vectorstore.Probe(ctx, store)
	if !avail.Connected {
		log.Warn("vector store unreachable, stats will be synthetic")
	}

	ai := openai.New(openai.Config{
		BaseURL:    os.Getenv("OPENAI_BASE_URL"),
		APIKey:     openaiAPIKey,
		EmbedModel: os.Getenv("EMBED_MODEL"),
	})

	pipe := ingest.New(ingest.Deps{
		Embedder: ai,
		Store:    store,
		Avail:    avail,
		Logger:   log,
	})

	outcome, err := pipe.ProcessWorkbook(ctx, data, meta)
	if err != nil {
		log.Error("ingestion failed", "error", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(outcome, "", "  ")
	os.Stdout.Write(append(out, '\n'))
}
