package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule statuses.
const (
	ScheduleActive    = "active"
	SchedulePaused    = "paused"
	ScheduleCompleted = "completed"
)

// Schedule is a recurring instruction. Schedule holds the JSON form parsed
// by the schedule package.
type Schedule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Instruction string     `json:"instruction"`
	Status      string     `json:"status"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*Schedule, error) {
	sc := &Schedule{}
	var lastStatus, lastError *string
	err := scanner.Scan(&sc.ID, &sc.Name, &sc.Schedule, &sc.Instruction, &sc.Status,
		&sc.NextRunAt, &sc.LastRunAt, &lastStatus, &lastError, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		sc.LastStatus = *lastStatus
	}
	if lastError != nil {
		sc.LastError = *lastError
	}
	return sc, nil
}

const scheduleColumns = `id, name, schedule, instruction, status, next_run_at, last_run_at, last_status, last_error, created_at`

// SaveSchedule inserts or updates a schedule keyed by name.
func (s *Store) SaveSchedule(sc *Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, schedule, instruction, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schedule = excluded.schedule,
			instruction = excluded.instruction,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sc.ID, sc.Name, sc.Schedule, sc.Instruction, sc.Status, sc.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	return s.getSchedule(`id`, id)
}

func (s *Store) GetScheduleByName(name string) (*Schedule, error) {
	return s.getSchedule(`name`, name)
}

func (s *Store) getSchedule(column, value string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE `+column+` = ?`, value)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at, name`)
}

func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
}

func (s *Store) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) SetScheduleNextRun(id string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`UPDATE schedules SET next_run_at = ? WHERE id = ?`, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// DeleteSchedulesNotIn removes schedules whose name is not listed.
func (s *Store) DeleteSchedulesNotIn(names []string) error {
	if len(names) == 0 {
		_, err := s.db.Exec(`DELETE FROM schedules`)
		return err
	}
	query := `DELETE FROM schedules WHERE name NOT IN (`
	args := make([]any, len(names))
	for i, name := range names {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = name
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}
