package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/redact"
	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	ListTools(ctx context.Context) ([]*toolRow, error)
}

type toolRow struct {
	ID               string
	Description      sql.NullString
	Program          string
	Args             string // JSONB as string
	WorkingDir       sql.NullString
	EnvPassthrough   string
	Parameters       string
	Limits           string
	ConcurrencyClass sql.NullString
	MaxConcurrent    int
	RateLimit        sql.NullString
	Workspace        string
	Flags            string
	RedactionScope   string
	Strict           bool
	UpdatedAt        time.Time
}

// sqlToolStore is the real implementation using *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) ListTools(ctx context.Context) ([]*toolRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, program, args, working_dir, env_passthrough,
		       parameters, limits, concurrency_class, max_concurrent,
		       rate_limit, workspace, flags, redaction_scope, strict, updated_at
		FROM sandbox_tools
		WHERE enabled
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*toolRow
	for rows.Next() {
		var r toolRow
		if err := rows.Scan(
			&r.ID, &r.Description, &r.Program, &r.Args, &r.WorkingDir, &r.EnvPassthrough,
			&r.Parameters, &r.Limits, &r.ConcurrencyClass, &r.MaxConcurrent,
			&r.RateLimit, &r.Workspace, &r.Flags, &r.RedactionScope, &r.Strict, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PostgresSource loads tool definitions from the sandbox_tools table.
type PostgresSource struct {
	store  ToolStore
	logger *zap.Logger
}

// PostgresSourceConfig configures the PostgresSource.
type PostgresSourceConfig struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// NewPostgresSource creates a new PostgresSource.
func NewPostgresSource(cfg PostgresSourceConfig) *PostgresSource {
	return &PostgresSource{
		store:  &sqlToolStore{db: cfg.DB},
		logger: cfg.Logger,
	}
}

// newPostgresSourceWithStore creates a source with a custom store (for testing).
func newPostgresSourceWithStore(store ToolStore, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{store: store, logger: logger}
}

// Load reads every enabled row. A row with malformed JSONB becomes a disabled
// definition; it does not fail the load.
func (p *PostgresSource) Load(ctx context.Context) (*Snapshot, error) {
	rows, err := p.store.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("PostgresSource.Load: %w", err)
	}

	var latest time.Time
	defs := make([]*ToolDefinition, 0, len(rows))
	for _, row := range rows {
		if row.UpdatedAt.After(latest) {
			latest = row.UpdatedAt
		}
		def, err := parseToolRow(row)
		if err != nil {
			def = &ToolDefinition{ID: row.ID, DisabledReason: err.Error()}
		}
		defs = append(defs, def)
	}

	version := fmt.Sprintf("pg:%d:%d", len(rows), latest.Unix())
	return NewSnapshot(version, defs, p.logger), nil
}

func parseToolRow(row *toolRow) (*ToolDefinition, error) {
	td := &ToolDefinition{
		ID:             row.ID,
		Program:        row.Program,
		MaxConcurrent:  row.MaxConcurrent,
		RedactionScope: redact.Scope(row.RedactionScope),
		Strict:         row.Strict,
	}

	if row.Description.Valid {
		td.Description = row.Description.String
	}
	if row.WorkingDir.Valid {
		td.WorkingDir = row.WorkingDir.String
	}
	if row.ConcurrencyClass.Valid {
		td.ConcurrencyClass = row.ConcurrencyClass.String
	}

	fields := []struct {
		name string
		raw  string
		dst  any
	}{
		{"args", row.Args, &td.Args},
		{"env_passthrough", row.EnvPassthrough, &td.EnvPassthrough},
		{"parameters", row.Parameters, &td.Parameters},
		{"limits", row.Limits, &td.Limits},
		{"workspace", row.Workspace, &td.Workspace},
		{"flags", row.Flags, &td.Flags},
	}
	for _, f := range fields {
		if f.raw == "" || f.raw == "{}" || f.raw == "[]" || f.raw == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("parseToolRow: %s: %w", f.name, err)
		}
	}

	if row.RateLimit.Valid && row.RateLimit.String != "" && row.RateLimit.String != "null" {
		var rl RateLimit
		if err := json.Unmarshal([]byte(row.RateLimit.String), &rl); err != nil {
			return nil, fmt.Errorf("parseToolRow: rate_limit: %w", err)
		}
		td.RateLimit = &rl
	}

	return td, nil
}
