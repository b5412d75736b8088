// Package usage persists an append-only audit log of routing decisions:
// which strategy answered each request, whether an agent was used, and
// why the pipeline fell back when it did.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Record is one routed request.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	User           string    `json:"user,omitempty"`
	Model          string    `json:"model"`
	Strategy       string    `json:"strategy"`
	AgentType      string    `json:"agent_type,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	AnalysisMethod string    `json:"analysis_method,omitempty"`
	UsedAgent      bool      `json:"used_agent"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// Summary holds aggregated counts for a set of records.
type Summary struct {
	TotalRecords  int     `json:"total_records"`
	AgentRecords  int     `json:"agent_records"`
	FailedRecords int     `json:"failed_records"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Store is an append-only SQLite store for routing records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a store at the given database path. The schema is
// created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open routing database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate routing schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS routing_decisions (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		conversation_id TEXT,
		username        TEXT,
		model           TEXT NOT NULL,
		strategy        TEXT NOT NULL,
		agent_type      TEXT,
		confidence      REAL NOT NULL DEFAULT 0,
		analysis_method TEXT,
		used_agent      INTEGER NOT NULL DEFAULT 0,
		fallback_reason TEXT,
		duration_ms     INTEGER NOT NULL,
		success         INTEGER NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_routing_timestamp ON routing_decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_routing_conversation ON routing_decisions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_routing_request ON routing_decisions(request_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a routing record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate routing record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_decisions
			(id, timestamp, request_id, conversation_id, username, model, strategy,
			 agent_type, confidence, analysis_method, used_agent, fallback_reason,
			 duration_ms, success, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.RequestID,
		rec.ConversationID,
		rec.User,
		rec.Model,
		rec.Strategy,
		rec.AgentType,
		rec.Confidence,
		rec.AnalysisMethod,
		rec.UsedAgent,
		rec.FallbackReason,
		rec.DurationMs,
		rec.Success,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert routing record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, COALESCE(conversation_id, ''), COALESCE(username, ''),
			model, strategy, COALESCE(agent_type, ''), confidence, COALESCE(analysis_method, ''),
			used_agent, COALESCE(fallback_reason, ''), duration_ms, success, COALESCE(error, '')
		 FROM routing_decisions
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query routing records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &rec.ConversationID, &rec.User,
			&rec.Model, &rec.Strategy, &rec.AgentType, &rec.Confidence, &rec.AnalysisMethod,
			&rec.UsedAgent, &rec.FallbackReason, &rec.DurationMs, &rec.Success, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan routing record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(used_agent), 0), COALESCE(SUM(1 - success), 0), COALESCE(AVG(duration_ms), 0)
		 FROM routing_decisions
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.AgentRecords, &sum.FailedRecords, &sum.AvgDurationMs); err != nil {
		return nil, fmt.Errorf("query routing summary: %w", err)
	}
	return &sum, nil
}

// SummaryByStrategy returns per-strategy totals for records within [start, end).
func (s *Store) SummaryByStrategy(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("strategy", start, end)
}

// SummaryByFallback returns per-reason totals for records within
// [start, end). Records that did not fall back are grouped under "".
func (s *Store) SummaryByFallback(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("fallback_reason", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(used_agent), 0), COALESCE(SUM(1 - success), 0), COALESCE(AVG(duration_ms), 0)
		 FROM routing_decisions
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query routing by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.AgentRecords, &sum.FailedRecords, &sum.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("scan routing by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
