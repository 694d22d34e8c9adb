// Package journal persists every bus envelope to a local SQLite file. It
// is an audit sink: rows are written once and only read back for history
// queries, never replayed.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
)

// Record is one journaled envelope.
type Record struct {
	ID        int64           `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// Journal is the SQLite-backed envelope sink.
type Journal struct {
	db     *sqlx.DB
	logger *logger.Logger
	sub    *bus.Subscription
}

// Open creates or opens the journal database at path and ensures the
// schema exists. The connection pool is capped at one connection; SQLite
// allows a single writer and the journal has exactly one.
func Open(path string, log *logger.Logger) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, logger: log}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sequence INTEGER NOT NULL,
		type TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		payload TEXT,
		emitted_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_event_journal_task_id ON event_journal(task_id);
	CREATE INDEX IF NOT EXISTS idx_event_journal_sequence ON event_journal(sequence);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Attach subscribes the journal to the bus. Write failures are logged and
// swallowed; the journal never disturbs dispatch.
func (j *Journal) Attach(b *bus.Bus) {
	j.sub = b.Subscribe(j.record)
}

func (j *Journal) record(env bus.Envelope) {
	var taskID, projectID string
	if scoped, ok := env.Payload.(bus.TaskScoped); ok {
		taskID, projectID = scoped.TaskScope()
	}

	var payload any
	if env.Payload != nil {
		data, err := json.Marshal(env.Payload)
		if err != nil {
			j.logger.Warn("failed to encode journal payload",
				zap.String("event_type", env.Type),
				zap.Error(err))
		} else {
			payload = string(data)
		}
	}

	_, err := j.db.Exec(j.db.Rebind(`
		INSERT INTO event_journal (sequence, type, task_id, project_id, payload, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), env.Sequence, env.Type, taskID, projectID, payload, env.EmittedAt)
	if err != nil {
		j.logger.Warn("failed to journal event",
			zap.String("event_type", env.Type),
			zap.Uint64("sequence", env.Sequence),
			zap.Error(err))
	}
}

// TaskHistory returns every journaled envelope for a task in sequence
// order.
func (j *Journal) TaskHistory(ctx context.Context, taskID string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, j.db.Rebind(`
		SELECT id, sequence, type, task_id, project_id, payload, emitted_at
		FROM event_journal
		WHERE task_id = ?
		ORDER BY sequence ASC
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Sequence, &rec.Type, &rec.TaskID, &rec.ProjectID, &payload, &rec.EmittedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close detaches from the bus and closes the database.
func (j *Journal) Close() error {
	if j.sub != nil {
		j.sub.Unsubscribe()
	}
	return j.db.Close()
}
