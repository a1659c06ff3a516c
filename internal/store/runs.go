package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Run is the history record of one decompose-and-execute cycle.
type Run struct {
	ID          string          `json:"id"`
	Instruction string          `json:"instruction"`
	Source      string          `json:"source"`
	Strategy    string          `json:"strategy"`
	Complexity  int             `json:"complexity"`
	Status      string          `json:"status"`
	SubTasks    json.RawMessage `json:"subtasks"`
	Output      string          `json:"output,omitempty"`
	Partial     bool            `json:"partial"`
	Waves       int             `json:"waves"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	r := &Run{}
	var output *string
	var subtasks string
	err := scanner.Scan(&r.ID, &r.Instruction, &r.Source, &r.Strategy, &r.Complexity, &r.Status,
		&subtasks, &output, &r.Partial, &r.Waves, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.SubTasks = json.RawMessage(subtasks)
	if output != nil {
		r.Output = *output
	}
	return r, nil
}

const runColumns = `id, instruction, source, strategy, complexity, status, subtasks, output, partial, waves, started_at, completed_at`

func (s *Store) SaveRun(r *Run) error {
	if len(r.SubTasks) == 0 {
		r.SubTasks = json.RawMessage("[]")
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, instruction, source, strategy, complexity, status, subtasks, output, partial, waves)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			subtasks = excluded.subtasks,
			output = excluded.output,
			partial = excluded.partial,
			waves = excluded.waves,
			completed_at = CASE WHEN excluded.status != 'running' THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Instruction, r.Source, r.Strategy, r.Complexity, r.Status, string(r.SubTasks), r.Output, r.Partial, r.Waves)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// ImportRun inserts a run with its original timestamps. Runs that already
// exist are left untouched; the result reports whether r was inserted.
func (s *Store) ImportRun(r *Run) (bool, error) {
	if len(r.SubTasks) == 0 {
		r.SubTasks = json.RawMessage("[]")
	}
	res, err := s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Instruction, r.Source, r.Strategy, r.Complexity, r.Status, string(r.SubTasks),
		r.Output, r.Partial, r.Waves, r.StartedAt, r.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("import run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first. A limit of zero returns all of them.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// FinishRun records the final state of a run.
func (s *Store) FinishRun(id, status string, subtasks json.RawMessage, output string, partial bool, waves int) error {
	res, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, subtasks = ?, output = ?, partial = ?, waves = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, string(subtasks), output, partial, waves, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: %s not found", id)
	}
	return nil
}

func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

// CountRuns returns the number of runs per status.
func (s *Store) CountRuns() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
