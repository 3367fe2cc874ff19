package vectorstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// restStore is the direct-protocol fallback. It issues the index's HTTP
// calls itself instead of going through the client library.
type restStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newRESTStore(cfg Config) *restStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &restStore{
		baseURL: strings.TrimRight(cfg.RESTURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout, Transport: transport},
	}
}

type fetchRequest struct {
	IDs []string `json:"ids"`
}

type fetchResponse struct {
	Vectors map[string]Record `json:"vectors"`
}

func (s *restStore) Fetch(ctx context.Context, ids []string) (map[string]Record, error) {
	if len(ids) == 0 {
		return map[string]Record{}, nil
	}
	var resp fetchResponse
	if err := s.post(ctx, "/vectors/fetch", fetchRequest{IDs: ids}, &resp); err != nil {
		return nil, fmt.Errorf("vectorstore: fetch: %w", err)
	}
	if resp.Vectors == nil {
		return map[string]Record{}, nil
	}
	return resp.Vectors, nil
}

type upsertRequest struct {
	Vectors []Record `json:"vectors"`
}

func (s *restStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.post(ctx, "/vectors/upsert", upsertRequest{Vectors: records}, nil); err != nil {
		return fmt.Errorf("vectorstore: upsert %d vectors: %w", len(records), err)
	}
	return nil
}

type queryRequest struct {
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	IncludeMetadata bool           `json:"includeMetadata"`
	Filter          map[string]any `json:"filter,omitempty"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

func (s *restStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	req := queryRequest{
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
		Filter:          restFilter(filter),
	}
	var resp queryResponse
	if err := s.post(ctx, "/query", req, &resp); err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	return resp.Matches, nil
}

func (s *restStore) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/describe_index_stats", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Api-Key", s.apiKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// restFilter translates a Filter into the wire filter expression. Empty
// filters become "category field exists".
func restFilter(f Filter) map[string]any {
	if f.IsEmpty() {
		return map[string]any{MetaCategory: map[string]any{"$exists": true}}
	}
	out := make(map[string]any, 2)
	if f.Category != "" {
		out[MetaCategory] = map[string]any{"$eq": f.Category}
	}
	if f.SheetName != "" {
		out[MetaSheetName] = map[string]any{"$eq": f.SheetName}
	}
	return out
}

// post sends a JSON request. Non-2xx responses surface the response body
// as error detail.
func (s *restStore) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}
