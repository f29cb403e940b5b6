// Package store archives finished runs in Postgres so experiments survive the
// process and the results server can browse them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/inquest-ai/inquest/config"
	"github.com/inquest-ai/inquest/internal/dialogue"
)

type Store struct {
	DB *sql.DB
}

// RunSummary is the listing row: enough to render an index without unpacking
// the full record document.
type RunSummary struct {
	RunID              string    `json:"run_id"`
	TaskInfo           string    `json:"task_info"`
	ExpectedAnswer     string    `json:"expected_answer"`
	Top1Guess          string    `json:"top1_guess"`
	Termination        string    `json:"termination"`
	ConversationLength int       `json:"conversation_length"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	CreatedAt          time.Time `json:"created_at"`
}

// Open connects to the configured archive database.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	return OpenDSN(ctx, dsn)
}

// OpenDSN connects using an explicit Postgres DSN.
func OpenDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// SaveRun upserts one finished run. The full record goes in as a JSON
// document next to the columns the listing and eval queries filter on, so the
// schema never has to chase the record shape.
func (s *Store) SaveRun(ctx context.Context, record *dialogue.RunRecord) error {
	if record.RunID == "" {
		return fmt.Errorf("run record has no run_id")
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	belief, err := json.Marshal(record.FinalBelief)
	if err != nil {
		return fmt.Errorf("marshal final belief: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO runs (run_id, task_info, expected_answer, questioner_model, answerer_model, termination, conversation_length, top1_guess, start_time, end_time, final_belief, record)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (run_id) DO UPDATE SET
  termination         = EXCLUDED.termination,
  conversation_length = EXCLUDED.conversation_length,
  top1_guess          = EXCLUDED.top1_guess,
  end_time            = EXCLUDED.end_time,
  final_belief        = EXCLUDED.final_belief,
  record              = EXCLUDED.record;
`, record.RunID, record.TaskInfo, record.ExpectedAnswer,
		record.Questioner.ModelKey, record.Answerer.ModelKey,
		record.Termination, record.ConversationLength(), record.Top1,
		record.StartTime, record.EndTime, belief, doc)
	return err
}

// GetRun fetches one archived run by id. Bool reports whether it exists.
func (s *Store) GetRun(ctx context.Context, runID string) (*dialogue.RunRecord, bool, error) {
	var doc []byte
	err := s.DB.QueryRowContext(ctx, `SELECT record FROM runs WHERE run_id=$1`, runID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record dialogue.RunRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, false, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}
	return &record, true, nil
}

// ListRuns returns summaries newest-first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, task_info, expected_answer, top1_guess, termination, conversation_length, start_time, end_time, created_at
FROM runs
ORDER BY start_time DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.TaskInfo, &r.ExpectedAnswer, &r.Top1Guess, &r.Termination, &r.ConversationLength, &r.StartTime, &r.EndTime, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecords loads the full record documents newest-first, for evaluation
// over the archive instead of a log directory.
func (s *Store) ListRecords(ctx context.Context, limit, offset int) ([]*dialogue.RunRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT record
FROM runs
ORDER BY start_time DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*dialogue.RunRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var record dialogue.RunRecord
		if err := json.Unmarshal(doc, &record); err != nil {
			return nil, fmt.Errorf("unmarshal archived run: %w", err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

// DeleteRun removes one archived run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM runs WHERE run_id=$1`, runID)
	return err
}
