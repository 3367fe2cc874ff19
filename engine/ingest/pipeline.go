// Package ingest runs workbook content through extraction, deduplication,
// embedding, and batched vector upserts.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/bidsmith-ai/bidsmith/engine/extract"
	"github.com/bidsmith-ai/bidsmith/engine/vectorstore"
	"github.com/bidsmith-ai/bidsmith/pkg/fn"
)

// BatchSize is the number of records staged and upserted per batch. Small
// enough to bound the blast radius of one failed upload, large enough to
// amortize round trips.
const BatchSize = 10

// Embedder converts text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps holds the external dependencies for the pipeline.
type Deps struct {
	Embedder Embedder
	Store    vectorstore.Store
	Avail    vectorstore.Availability
	Retry    fn.RetryOpts
	// Workers bounds concurrent staging within one batch. Zero means
	// one worker per batch record.
	Workers int
	Logger  *slog.Logger
}

// Pipeline ingests workbooks into the vector store.
type Pipeline struct {
	embed   Embedder
	store   vectorstore.Store
	avail   vectorstore.Availability
	retry   fn.RetryOpts
	workers int
	log     *slog.Logger
}

// New constructs a Pipeline.
func New(deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	retry := deps.Retry
	if retry.MaxAttempts == 0 {
		retry = fn.DefaultRetry
	}
	workers := deps.Workers
	if workers <= 0 || workers > BatchSize {
		workers = BatchSize
	}
	return &Pipeline{
		embed:   deps.Embedder,
		store:   deps.Store,
		avail:   deps.Avail,
		retry:   retry,
		workers: workers,
		log:     log,
	}
}

// Stats are the accumulated counters for one ingestion run.
type Stats struct {
	TotalItems int `json:"total_items"`
	Processed  int `json:"processed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Outcome is the result of one ingestion run. MockMode marks synthetic
// stats produced without store connectivity; it is never conflated with
// real success.
type Outcome struct {
	Stats    Stats    `json:"stats"`
	Sheets   []string `json:"sheets"`
	MockMode bool     `json:"mock_mode,omitempty"`
}

// identified is a record paired with its stable id.
type identified struct {
	rec extract.Record
	id  string
}

// staged is the per-record staging result: either a vector ready for
// upload or a dedup skip.
type staged struct {
	vec     vectorstore.Record
	skipped bool
}

// ProcessWorkbook extracts records from a workbook and ingests them.
// Extraction errors propagate; everything downstream is isolated
// per record or per batch and accounted in Stats.
func (p *Pipeline) ProcessWorkbook(ctx context.Context, data []byte, meta Metadata) (Outcome, error) {
	records, sheets, err := extract.Workbook(data)
	if err != nil {
		return Outcome{}, err
	}

	stats := Stats{TotalItems: len(records)}

	if !p.avail.Connected {
		p.log.Warn("ingest: store unreachable, returning synthetic stats",
			"rfp_id", meta.RFPID, "records", len(records))
		stats.Processed = len(records)
		return Outcome{Stats: stats, Sheets: sheets, MockMode: true}, nil
	}

	stage := fn.TracedStage("ingest.stage_record",
		fn.Then(
			fn.MapStage(func(rec extract.Record) identified {
				return identified{rec: rec, id: StableID(meta, rec)}
			}),
			p.stageIdentified(meta),
		))

	for _, batch := range fn.Chunk(records, BatchSize) {
		results := fn.ParMapResult(batch, p.workers, func(rec extract.Record) fn.Result[staged] {
			return stage(ctx, rec)
		})

		var toUpload []vectorstore.Record
		for i, r := range results {
			st, err := r.Unwrap()
			switch {
			case err != nil:
				p.log.Error("ingest: record failed", "sheet", batch[i].Sheet,
					"category", batch[i].Category, "error", err)
				stats.Errors++
			case st.skipped:
				stats.Skipped++
			default:
				toUpload = append(toUpload, st.vec)
			}
		}

		if len(toUpload) == 0 {
			continue
		}

		upsert := fn.Retry(ctx, p.retry, func(ctx context.Context) fn.Result[int] {
			if err := p.store.Upsert(ctx, toUpload); err != nil {
				return fn.Err[int](err)
			}
			return fn.Ok(len(toUpload))
		})
		if _, err := upsert.Unwrap(); err != nil {
			// The whole staged batch is charged to errors rather than
			// retried indefinitely.
			p.log.Error("ingest: batch upload failed", "staged", len(toUpload), "error", err)
			stats.Errors += len(toUpload)
			continue
		}
		stats.Processed += len(toUpload)
	}

	p.log.Info("ingest: done", "rfp_id", meta.RFPID,
		"total", stats.TotalItems, "processed", stats.Processed,
		"skipped", stats.Skipped, "errors", stats.Errors)
	return Outcome{Stats: stats, Sheets: sheets}, nil
}

// stageIdentified checks the store for an existing vector and embeds the
// record when absent. A failed existence check fails open: the record is
// re-embedded rather than silently dropped.
func (p *Pipeline) stageIdentified(meta Metadata) fn.Stage[identified, staged] {
	return func(ctx context.Context, in identified) fn.Result[staged] {
		existing := fn.Retry(ctx, p.retry, func(ctx context.Context) fn.Result[map[string]vectorstore.Record] {
			return fn.FromPair(p.store.Fetch(ctx, []string{in.id}))
		})
		if found, err := existing.Unwrap(); err == nil {
			if _, ok := found[in.id]; ok {
				return fn.Ok(staged{skipped: true})
			}
		} else {
			p.log.Warn("ingest: existence check failed, re-embedding", "id", in.id, "error", err)
		}

		vector := fn.Retry(ctx, p.retry, func(ctx context.Context) fn.Result[[]float32] {
			return fn.FromPair(p.embed.Embed(ctx, in.rec.Text))
		})
		values, err := vector.Unwrap()
		if err != nil {
			return fn.Err[staged](err)
		}

		return fn.Ok(staged{vec: vectorRecord(in, meta, values)})
	}
}

// vectorRecord assembles the stored representation of a record.
func vectorRecord(in identified, meta Metadata, values []float32) vectorstore.Record {
	original, _ := json.Marshal(in.rec.Fields)

	md := map[string]string{
		vectorstore.MetaRFPID:        meta.RFPID,
		vectorstore.MetaCategory:     in.rec.Category,
		vectorstore.MetaSheetName:    in.rec.Sheet,
		vectorstore.MetaText:         in.rec.Text,
		vectorstore.MetaOriginalData: string(original),
	}
	for k, v := range meta.Extra {
		if _, taken := md[k]; !taken {
			md[k] = v
		}
	}

	return vectorstore.Record{ID: in.id, Values: values, Metadata: md}
}
