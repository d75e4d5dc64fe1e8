// Package evidence keeps the HMAC-signed audit log of side effects produced
// by tool calls (file writes and deletes, command executions, network calls).
//
// Each record is signed over its canonical JSON form (signature field empty)
// and persisted in SQLite, so later tampering is detected by Verify.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/evidence")

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("side effect not found")

// SideEffect is one structured record of a state-changing tool call.
type SideEffect struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Kind          string    `json:"kind"`
	Tool          string    `json:"tool"`
	Agent         string    `json:"agent"`
	Target        string    `json:"target,omitempty"`
	SizeBytes     int       `json:"size_bytes,omitempty"`
	Command       string    `json:"command,omitempty"`
	URL           string    `json:"url,omitempty"`
	Method        string    `json:"method,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Signature     string    `json:"signature"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Agent string
	Kind  string
	From  time.Time
	To    time.Time
	Limit int
}

// Store persists HMAC-signed side-effect records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

const schema = `
CREATE TABLE IF NOT EXISTS side_effects (
	id TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL,
	agent TEXT NOT NULL,
	tool TEXT NOT NULL,
	kind TEXT NOT NULL,
	success INTEGER NOT NULL,
	record_json TEXT NOT NULL,
	signature TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_side_effects_agent ON side_effects(agent);
CREATE INDEX IF NOT EXISTS idx_side_effects_kind ON side_effects(kind);
CREATE INDEX IF NOT EXISTS idx_side_effects_timestamp ON side_effects(timestamp);
`

// NewStore opens (or creates) the audit database at dbPath.
func NewStore(dbPath, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening evidence database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating evidence schema: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record signs and stores rec, assigning an id and timestamp when missing.
func (s *Store) Record(ctx context.Context, rec *SideEffect) error {
	if rec.ID == "" {
		rec.ID = "se_" + uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	ctx, span := tracer.Start(ctx, "evidence.record",
		trace.WithAttributes(
			attribute.String("side_effect.id", rec.ID),
			attribute.String("side_effect.kind", rec.Kind),
			attribute.String("agent", rec.Agent),
		))
	defer span.End()

	rec.Signature = ""
	unsigned, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling side effect: %w", err)
	}
	rec.Signature = s.signer.Sign(unsigned)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO side_effects (id, correlation_id, timestamp, agent, tool, kind, success, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CorrelationID, rec.Timestamp, rec.Agent, rec.Tool, rec.Kind,
		rec.Success, string(unsigned), rec.Signature,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing side effect: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id string) (*SideEffect, error) {
	rec, _, err := s.load(ctx, id)
	return rec, err
}

func (s *Store) load(ctx context.Context, id string) (*SideEffect, string, error) {
	var recordJSON, signature string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json, signature FROM side_effects WHERE id = ?`, id,
	).Scan(&recordJSON, &signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("querying side effect: %w", err)
	}
	var rec SideEffect
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, "", fmt.Errorf("unmarshaling side effect: %w", err)
	}
	rec.Signature = signature
	return &rec, recordJSON, nil
}

// Verify reports whether the stored record still matches its signature.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify",
		trace.WithAttributes(attribute.String("side_effect.id", id)))
	defer span.End()

	rec, recordJSON, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	return s.signer.Verify([]byte(recordJSON), rec.Signature), nil
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]SideEffect, error) {
	ctx, span := tracer.Start(ctx, "evidence.list",
		trace.WithAttributes(
			attribute.String("agent", f.Agent),
			attribute.String("kind", f.Kind),
		))
	defer span.End()

	query := `SELECT record_json, signature FROM side_effects WHERE 1=1`
	args := []interface{}{}
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying side effects: %w", err)
	}
	defer rows.Close()

	var out []SideEffect
	for rows.Next() {
		var recordJSON, signature string
		if err := rows.Scan(&recordJSON, &signature); err != nil {
			continue
		}
		var rec SideEffect
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			continue
		}
		rec.Signature = signature
		out = append(out, rec)
	}
	return out, rows.Err()
}
