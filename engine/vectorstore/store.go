// Package vectorstore is the sole owner of all vector index operations.
// One Store interface is served by two interchangeable strategies: a
// gRPC client (preferred) and a direct REST implementation used when the
// client fails to initialize.
package vectorstore

import (
	"context"
	"log/slog"
	"time"
)

// Metadata keys attached to every stored vector.
const (
	MetaCategory     = "category"
	MetaSheetName    = "sheet_name"
	MetaText         = "text"
	MetaOriginalData = "original_data"
	MetaRFPID        = "rfp_id"
)

// Record is a single vector to store.
type Record struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata"`
}

// Match is a single similarity search hit.
type Match struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// Filter restricts similarity queries. An empty filter defaults to
// "category field must exist" so untargeted queries stay meaningful.
type Filter struct {
	Category  string
	SheetName string
}

// IsEmpty reports whether no explicit constraints were set.
func (f Filter) IsEmpty() bool {
	return f.Category == "" && f.SheetName == ""
}

// Store exposes the remote index operations the pipeline and query
// service need.
type Store interface {
	// Fetch returns the stored records for the given ids; absent ids are
	// simply missing from the result map.
	Fetch(ctx context.Context, ids []string) (map[string]Record, error)
	// Upsert writes records, overwriting existing ids.
	Upsert(ctx context.Context, records []Record) error
	// Query returns the topK most similar records, descending by score.
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	// HealthCheck reports whether the index is reachable.
	HealthCheck(ctx context.Context) bool
}

// Config selects and configures a Store strategy.
type Config struct {
	// GRPCAddr is the preferred client endpoint. Empty skips straight to REST.
	GRPCAddr string
	// RESTURL is the fallback endpoint for the direct-protocol implementation.
	RESTURL string
	APIKey  string
	// Collection is the index collection / namespace.
	Collection string
	// InsecureTLS disables certificate validation on the REST fallback.
	// The target deployment sits on a private network with self-signed
	// certificates; this is a configured policy, not a default-on shortcut
	// for public endpoints.
	InsecureTLS bool
	Timeout     time.Duration
}

// New builds a Store: the gRPC client when it initializes, otherwise the
// direct REST implementation.
func New(cfg Config, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	if cfg.GRPCAddr != "" {
		s, err := newGRPCStore(cfg)
		if err == nil {
			log.Info("vectorstore: using gRPC client", "addr", cfg.GRPCAddr)
			return s
		}
		log.Warn("vectorstore: gRPC client init failed, falling back to REST",
			"addr", cfg.GRPCAddr, "error", err)
	}
	return newRESTStore(cfg)
}

// Availability is the outcome of the startup connectivity probe. It is
// fixed for the lifetime of the process: no live re-probing.
type Availability struct {
	Connected bool
	CheckedAt time.Time
}

// Probe runs the health check once and returns the availability value the
// pipeline and query service are constructed with.
func Probe(ctx context.Context, s Store) Availability {
	return Availability{
		Connected: s.HealthCheck(ctx),
		CheckedAt: time.Now(),
	}
}
