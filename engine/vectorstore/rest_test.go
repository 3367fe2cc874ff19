package vectorstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func restAgainst(t *testing.T, handler http.Handler) *restStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newRESTStore(Config{RESTURL: srv.URL, APIKey: "test-key"})
}

func TestRESTUpsertAndFetch(t *testing.T) {
	stored := map[string]Record{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /vectors/upsert", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Key") != "test-key" {
			t.Error("missing Api-Key header")
		}
		var req upsertRequest
		json.NewDecoder(r.Body).Decode(&req)
		for _, v := range req.Vectors {
			stored[v.ID] = v
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /vectors/fetch", func(w http.ResponseWriter, r *http.Request) {
		var req fetchRequest
		json.NewDecoder(r.Body).Decode(&req)
		out := fetchResponse{Vectors: map[string]Record{}}
		for _, id := range req.IDs {
			if rec, ok := stored[id]; ok {
				out.Vectors[id] = rec
			}
		}
		json.NewEncoder(w).Encode(out)
	})

	s := restAgainst(t, mux)
	ctx := context.Background()

	err := s.Upsert(ctx, []Record{
		{ID: "aaa", Values: []float32{1, 2}, Metadata: map[string]string{MetaCategory: "legal"}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Fetch(ctx, []string{"aaa", "missing"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 present record, got %d", len(got))
	}
	if got["aaa"].Metadata[MetaCategory] != "legal" {
		t.Errorf("metadata lost: %+v", got["aaa"])
	}
}

func TestRESTQuery_FilterTranslation(t *testing.T) {
	var gotFilter map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotFilter = req.Filter
		if !req.IncludeMetadata {
			t.Error("includeMetadata must be set")
		}
		json.NewEncoder(w).Encode(queryResponse{Matches: []Match{
			{ID: "m1", Score: 0.9, Metadata: map[string]string{MetaText: "hit"}},
		}})
	})
	s := restAgainst(t, mux)

	// Explicit filters pass through as equality constraints.
	_, err := s.Query(context.Background(), []float32{0.1}, 5, Filter{Category: "security", SheetName: "Tab1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if eq, _ := gotFilter[MetaCategory].(map[string]any); eq["$eq"] != "security" {
		t.Errorf("category filter: %v", gotFilter)
	}
	if eq, _ := gotFilter[MetaSheetName].(map[string]any); eq["$eq"] != "Tab1" {
		t.Errorf("sheet filter: %v", gotFilter)
	}

	// Empty filter defaults to category-exists.
	matches, err := s.Query(context.Background(), []float32{0.1}, 5, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ex, _ := gotFilter[MetaCategory].(map[string]any); ex["$exists"] != true {
		t.Errorf("default filter: %v", gotFilter)
	}
	if len(matches) != 1 || matches[0].ID != "m1" {
		t.Errorf("matches: %v", matches)
	}
}

func TestRESTErrorSurfacesBody(t *testing.T) {
	s := restAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("index unavailable: shard down"))
	}))

	err := s.Upsert(context.Background(), []Record{{ID: "x"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "shard down") {
		t.Errorf("response body must surface as error detail: %v", err)
	}
}

func TestRESTHealthCheck(t *testing.T) {
	healthy := true
	s := restAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/describe_index_stats" || r.Method != http.MethodGet {
			t.Errorf("unexpected probe %s %s", r.Method, r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	if !s.HealthCheck(context.Background()) {
		t.Error("expected healthy")
	}
	healthy = false
	if s.HealthCheck(context.Background()) {
		t.Error("expected unhealthy")
	}
}

func TestProbe(t *testing.T) {
	s := restAgainst(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	avail := Probe(context.Background(), s)
	if avail.Connected {
		t.Error("probe against failing store must report disconnected")
	}
	if avail.CheckedAt.IsZero() {
		t.Error("CheckedAt must be set")
	}
}

func TestNew_FallsBackToREST(t *testing.T) {
	// No gRPC address configured: New must hand back the REST strategy.
	s := New(Config{RESTURL: "https://index.internal", InsecureTLS: true}, slog.Default())
	if _, ok := s.(*restStore); !ok {
		t.Fatalf("expected REST fallback, got %T", s)
	}
}

func TestIDMapping_RoundTrip(t *testing.T) {
	hexID := "9e107d9d372bb6826bd81d3542a419d6"
	p := pointID(hexID)
	u := p.GetUuid()
	if !strings.Contains(u, "-") {
		t.Fatalf("expected UUID form, got %q", u)
	}
	if got := stableID(u); got != hexID {
		t.Errorf("round trip: %q != %q", got, hexID)
	}
}

func TestIDMapping_PassThrough(t *testing.T) {
	if got := pointID("not-hex").GetUuid(); got != "not-hex" {
		t.Errorf("non-hex ids must pass through, got %q", got)
	}
	if got := stableID("not-a-uuid"); got != "not-a-uuid" {
		t.Errorf("non-uuid ids must pass through, got %q", got)
	}
}
