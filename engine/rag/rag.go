// Package rag orchestrates retrieval-augmented answers: it embeds a
// question, searches the vector store, assembles a grounded prompt, and
// calls the completion capability. The query surface never returns an
// error; every failure becomes a well-formed QueryResult.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bidsmith-ai/bidsmith/engine/vectorstore"
	"github.com/bidsmith-ai/bidsmith/pkg/fn"
)

// Embedder converts text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer generates an answer from a system+user prompt pair.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options configures retrieval behaviour.
type Options struct {
	TopK         int
	SystemPrompt string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:         5,
		SystemPrompt: defaultSystemPrompt,
	}
}

const defaultSystemPrompt = `You are Bidsmith, an RFP knowledge assistant.
Answer the user's question using ONLY the provided context from previously
ingested RFP spreadsheets. Be concise and professional. If the context does
not contain the answer, say so plainly instead of speculating.`

// Deps holds the external dependencies for the query service.
type Deps struct {
	Embedder  Embedder
	Completer Completer
	Store     vectorstore.Store
	Avail     vectorstore.Availability
	Retry     fn.RetryOpts
	Opts      Options
	Logger    *slog.Logger
}

// Service answers natural-language questions over the ingested corpus.
type Service struct {
	embed    Embedder
	complete Completer
	store    vectorstore.Store
	avail    vectorstore.Availability
	retry    fn.RetryOpts
	opts     Options
	log      *slog.Logger
}

// New constructs a Service.
func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	retry := deps.Retry
	if retry.MaxAttempts == 0 {
		retry = fn.DefaultRetry
	}
	opts := deps.Opts
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Service{
		embed:    deps.Embedder,
		complete: deps.Completer,
		store:    deps.Store,
		avail:    deps.Avail,
		retry:    retry,
		opts:     opts,
		log:      log,
	}
}

// Source is one retrieved record backing an answer.
type Source struct {
	Text           string            `json:"text"`
	OriginalFields map[string]string `json:"original_fields"`
	Category       string            `json:"category"`
	SheetName      string            `json:"sheet_name"`
	Similarity     float32           `json:"similarity"`
}

// QueryResult is the always-well-formed response of the query surface.
type QueryResult struct {
	Answer   string   `json:"answer"`
	Sources  []Source `json:"sources"`
	MockMode bool     `json:"mock_mode,omitempty"`
	Error    string   `json:"error,omitempty"`
}

const (
	greetingAnswer = "Hello! I'm Bidsmith, your RFP knowledge assistant. " +
		"Ask me anything about the ingested RFP content — requirements, " +
		"compliance questions, deadlines, and more."
	noMatchAnswer = "I couldn't find any relevant information in the knowledge " +
		"base for that question. Try rephrasing it, or ingest the relevant RFP " +
		"spreadsheets first."
	fallbackAnswer = "I ran into a problem while answering your question. " +
		"Please try again in a moment."
)

// greetingPattern matches a whole-message greeting with optional trailing
// punctuation.
var greetingPattern = regexp.MustCompile(`(?i)^(hi|hello|hey|howdy|greetings)[\s.!?,]*$`)

// Query answers a question with optional category/sheet filters. It never
// returns an error: failures degrade to a polite fallback answer with the
// underlying error recorded on the result.
func (s *Service) Query(ctx context.Context, question string, filter vectorstore.Filter) QueryResult {
	question = strings.TrimSpace(question)

	if greetingPattern.MatchString(question) {
		return QueryResult{Answer: greetingAnswer, Sources: []Source{}}
	}

	if !s.avail.Connected {
		return QueryResult{
			Answer: fmt.Sprintf("I'm currently operating without database access, "+
				"so I can't search the knowledge base. Your question was: %q. "+
				"Please try again once the index is reachable.", question),
			Sources:  []Source{},
			MockMode: true,
		}
	}

	result, err := s.answer(ctx, question, filter)
	if err != nil {
		s.log.Error("rag: query failed", "error", err)
		return QueryResult{Answer: fallbackAnswer, Sources: []Source{}, Error: err.Error()}
	}
	return result
}

func (s *Service) answer(ctx context.Context, question string, filter vectorstore.Filter) (QueryResult, error) {
	vector := fn.Retry(ctx, s.retry, func(ctx context.Context) fn.Result[[]float32] {
		return fn.FromPair(s.embed.Embed(ctx, question))
	})
	values, err := vector.Unwrap()
	if err != nil {
		return QueryResult{}, fmt.Errorf("rag: embed question: %w", err)
	}

	matchesRes := fn.Retry(ctx, s.retry, func(ctx context.Context) fn.Result[[]vectorstore.Match] {
		return fn.FromPair(s.store.Query(ctx, values, s.opts.TopK, filter))
	})
	matches, err := matchesRes.Unwrap()
	if err != nil {
		return QueryResult{}, fmt.Errorf("rag: similarity query: %w", err)
	}

	if len(matches) == 0 {
		return QueryResult{Answer: noMatchAnswer, Sources: []Source{}}, nil
	}

	sources := fn.Map(matches, sourceFromMatch)
	prompt := buildPrompt(question, sources)

	answerRes := fn.Retry(ctx, s.retry, func(ctx context.Context) fn.Result[string] {
		return fn.FromPair(s.complete.Complete(ctx, s.opts.SystemPrompt, prompt))
	})
	answer, err := answerRes.Unwrap()
	if err != nil {
		return QueryResult{}, fmt.Errorf("rag: completion: %w", err)
	}

	return QueryResult{Answer: answer, Sources: sources}, nil
}

// sourceFromMatch reconstructs a Source from stored metadata. The original
// fields JSON is decoded defensively: a parse failure yields an empty map
// rather than aborting the response.
func sourceFromMatch(m vectorstore.Match) Source {
	fields := map[string]string{}
	if raw := m.Metadata[vectorstore.MetaOriginalData]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			fields = map[string]string{}
		}
	}
	return Source{
		Text:           m.Metadata[vectorstore.MetaText],
		OriginalFields: fields,
		Category:       m.Metadata[vectorstore.MetaCategory],
		SheetName:      m.Metadata[vectorstore.MetaSheetName],
		Similarity:     m.Score,
	}
}

// buildPrompt labels each retrieved context by sheet and category and
// appends the user question, preserving ranked order.
func buildPrompt(question string, sources []Source) string {
	var b strings.Builder
	b.WriteString("Context from the RFP knowledge base:\n\n")
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] (sheet: %s, category: %s, similarity: %.3f)\n%s\n\n",
			i+1, src.SheetName, src.Category, src.Similarity, src.Text)
	}
	b.WriteString("User question: ")
	b.WriteString(question)
	return b.String()
}
