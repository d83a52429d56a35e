// Package knowledge is the append-only fact store agents query before and
// during their sessions.
package knowledge

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
	"github.com/basket/relay/internal/telemetry"
)

const DefaultTopK = 10

// Entry is a stored knowledge entry.
type Entry = persistence.KnowledgeEntry

type AddRequest struct {
	Category        string   `json:"category"`
	Topic           string   `json:"topic"`
	Content         string   `json:"content"`
	SourceAgent     string   `json:"source_agent"`
	ConfidenceScore float64  `json:"confidence_score"`
	Tags            []string `json:"tags"`
	// Supersedes optionally names an older entry this one replaces.
	Supersedes string `json:"supersedes,omitempty"`
}

type Base struct {
	store  *persistence.Store
	topK   int
	logger *slog.Logger
}

// New returns a Base returning at most topK results per query. topK <= 0
// uses DefaultTopK.
func New(store *persistence.Store, topK int, logger *slog.Logger) *Base {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Base{store: store, topK: topK, logger: telemetry.Component(logger, "knowledge")}
}

// Tokenize lower-cases query and splits it on anything that is not a letter
// or digit. Duplicate terms are dropped.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

// Query returns entries whose topic, content or tags contain any term of
// query, highest confidence first, then newest. An empty query matches
// nothing.
func (b *Base) Query(ctx context.Context, query, agent string) ([]Entry, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []Entry{}, nil
	}
	entries, err := b.store.SearchKnowledge(ctx, terms, b.topK)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	telemetry.FromContext(ctx, b.logger).Debug("knowledge queried",
		"agent", agent, "terms", len(terms), "results", len(entries))
	return entries, nil
}

// Normalize trims r, applies defaults and rejects anything Add would refuse,
// including credential-shaped text.
func (r AddRequest) Normalize() (AddRequest, error) {
	r.Category = strings.TrimSpace(r.Category)
	r.Topic = strings.TrimSpace(r.Topic)
	r.SourceAgent = strings.TrimSpace(r.SourceAgent)
	if r.Category == "" {
		r.Category = "general"
	}
	if r.Topic == "" || strings.TrimSpace(r.Content) == "" || r.SourceAgent == "" {
		return r, shared.Validationf("topic, content and source_agent are required")
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		return r, shared.Validationf("confidence_score %v outside [0,1]", r.ConfidenceScore)
	}
	// Entries are shared with every agent and never edited.
	if kinds := safety.Kinds(safety.Scan(r.Topic + "\n" + r.Content)); len(kinds) > 0 {
		return r, shared.Validationf("entry appears to contain credentials (%s)", strings.Join(kinds, ", "))
	}
	tags := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	r.Tags = tags
	return r, nil
}

// Add appends a new pending entry and returns its id. Existing entries are
// never edited.
func (b *Base) Add(ctx context.Context, req AddRequest) (string, error) {
	req, err := req.Normalize()
	if err != nil {
		return "", err
	}
	id, err := b.store.AddKnowledge(ctx, &persistence.KnowledgeEntry{
		Category:        req.Category,
		Topic:           req.Topic,
		Content:         req.Content,
		SourceAgent:     req.SourceAgent,
		ConfidenceScore: req.ConfidenceScore,
		Tags:            req.Tags,
		Supersedes:      req.Supersedes,
	})
	if err != nil {
		return "", err
	}
	telemetry.FromContext(ctx, b.logger).Info("knowledge added", "entry_id", id, "topic", req.Topic, "source_agent", req.SourceAgent)
	return id, nil
}

// Validate marks a pending entry validated. Validating twice fails with
// ErrAlreadyCompleted.
func (b *Base) Validate(ctx context.Context, id, agent string) error {
	if err := b.store.ValidateKnowledge(ctx, id, agent); err != nil {
		return err
	}
	telemetry.FromContext(ctx, b.logger).Info("knowledge validated", "entry_id", id, "agent", agent)
	return nil
}

func (b *Base) Get(ctx context.Context, id string) (*Entry, error) {
	return b.store.GetKnowledge(ctx, id)
}
