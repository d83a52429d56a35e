package persistence

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/relay/internal/shared"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ContextSchemaVersion is the version of the ProjectContext body written today.
const ContextSchemaVersion = 1

type ProbeName string

const (
	ProbeServices   ProbeName = "services"
	ProbeStore      ProbeName = "store"
	ProbeAssets     ProbeName = "assets"
	ProbeChanges    ProbeName = "changes"
	ProbeDeployment ProbeName = "deployment"
	ProbeIssues     ProbeName = "issues"
)

// AllProbes is the fixed probe set, in reporting order.
var AllProbes = []ProbeName{ProbeServices, ProbeStore, ProbeAssets, ProbeChanges, ProbeDeployment, ProbeIssues}

type ProbeStatus string

const (
	ProbeOK       ProbeStatus = "ok"
	ProbeError    ProbeStatus = "error"
	ProbeTimedOut ProbeStatus = "timed_out"
)

type ProbeResult struct {
	Status     ProbeStatus `json:"status"`
	Summary    string      `json:"summary,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// Change is one entry of the recent version-control log.
type Change struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author,omitempty"`
	At      time.Time `json:"at"`
	Subject string    `json:"subject"`
}

// ProjectContext is an immutable point-in-time snapshot of project health.
type ProjectContext struct {
	ID               string                    `json:"id"`
	SchemaVersion    int                       `json:"schema_version"`
	CapturedAt       time.Time                 `json:"captured_at"`
	SystemState      map[ProbeName]ProbeResult `json:"system_state"`
	ActiveFeatures   []string                  `json:"active_features"`
	KnownIssues      []string                  `json:"known_issues"`
	RecentChanges    []Change                  `json:"recent_changes"`
	DeploymentStatus string                    `json:"deployment_status"`
	TestResults      map[string]string         `json:"test_results"`
	TechnicalDebt    []string                  `json:"technical_debt"`
}

// Failed counts probes that did not report ok.
func (pc *ProjectContext) Failed() int {
	n := 0
	for _, r := range pc.SystemState {
		if r.Status != ProbeOK {
			n++
		}
	}
	return n
}

//go:embed schema/project_context.v1.json
var contextSchemaJSON []byte

var compiledContextSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(contextSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal context schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("project_context.v1.json", doc); err != nil {
		return nil, fmt.Errorf("add context schema resource: %w", err)
	}
	return c.Compile("project_context.v1.json")
})

// ValidateContextJSON checks a serialized ProjectContext against the
// embedded versioned schema.
func ValidateContextJSON(body []byte) error {
	schema, err := compiledContextSchema()
	if err != nil {
		return fmt.Errorf("compile context schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return shared.Validationf("project context is not json: %v", err)
	}
	if err := schema.Validate(inst); err != nil {
		return shared.Validationf("project context schema: %v", err)
	}
	return nil
}

// SaveContext validates and inserts pc. An empty ID is filled with a fresh
// uuid and a zero CapturedAt with the current time.
func (s *Store) SaveContext(ctx context.Context, pc *ProjectContext) error {
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	if pc.CapturedAt.IsZero() {
		pc.CapturedAt = now()
	}
	pc.CapturedAt = pc.CapturedAt.UTC()
	pc.SchemaVersion = ContextSchemaVersion

	body, err := json.Marshal(pc)
	if err != nil {
		return shared.Persistence("save context", fmt.Errorf("encode context: %w", err))
	}
	if err := ValidateContextJSON(body); err != nil {
		return err
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO project_context (id, schema_version, captured_at, body_json)
			VALUES (?, ?, ?, ?);
		`, pc.ID, pc.SchemaVersion, pc.CapturedAt, string(body))
		return err
	})
	return shared.Persistence("save context", err)
}

func decodeContext(body string) (*ProjectContext, error) {
	if err := ValidateContextJSON([]byte(body)); err != nil {
		return nil, err
	}
	var pc ProjectContext
	if err := json.Unmarshal([]byte(body), &pc); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &pc, nil
}

func (s *Store) GetContext(ctx context.Context, id string) (*ProjectContext, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body_json FROM project_context WHERE id = ?;`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: context %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, shared.Persistence("get context", err)
	}
	pc, err := decodeContext(body)
	return pc, shared.Persistence("get context", err)
}

// LatestContext returns the most recently captured snapshot, or ErrNotFound.
func (s *Store) LatestContext(ctx context.Context) (*ProjectContext, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body_json FROM project_context ORDER BY captured_at DESC, rowid DESC LIMIT 1;
	`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no captured context", shared.ErrNotFound)
	}
	if err != nil {
		return nil, shared.Persistence("latest context", err)
	}
	pc, err := decodeContext(body)
	return pc, shared.Persistence("latest context", err)
}
