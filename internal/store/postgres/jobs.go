package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kestrad/voxtail/internal/jobqueue"
	"github.com/kestrad/voxtail/internal/store"
)

// nullableTime maps the zero time to SQL NULL so unstarted and unfinished
// jobs keep NULL columns instead of epoch placeholders.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) UpsertJob(ctx context.Context, j store.JobRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_status (id, type, meeting_id, created_at, started_at, finished_at, status, error_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at,
		    status = EXCLUDED.status,
		    error_log = EXCLUDED.error_log`,
		j.ID, string(j.Type), j.MeetingID, j.CreatedAt,
		nullableTime(j.StartedAt), nullableTime(j.FinishedAt),
		string(j.Status), j.ErrorLog)
	if err != nil {
		return fmt.Errorf("postgres: upsert job %q: %w", j.ID, err)
	}
	return nil
}

func (s *Store) JobsByMeeting(ctx context.Context, meetingID string) ([]store.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, meeting_id, created_at, started_at, finished_at, status, error_log
		FROM job_status
		WHERE meeting_id = $1
		ORDER BY created_at`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: jobs of meeting %q: %w", meetingID, err)
	}

	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.JobRecord, error) {
		var j store.JobRecord
		var typ, status string
		var started, finished *time.Time
		err := row.Scan(&j.ID, &typ, &j.MeetingID, &j.CreatedAt, &started, &finished, &status, &j.ErrorLog)
		j.Type = jobqueue.Type(typ)
		j.Status = jobqueue.Status(status)
		if started != nil {
			j.StartedAt = *started
		}
		if finished != nil {
			j.FinishedAt = *finished
		}
		return j, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect jobs: %w", err)
	}
	return jobs, nil
}
