package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kestrad/voxtail/internal/store"
)

func (s *Store) InsertTempRecording(ctx context.Context, rec store.TempRecording) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO temp_recordings
			(id, user_id, meeting_id, chunk_idx, start_timestamp_ms, filename, transcode_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserID, rec.MeetingID, rec.ChunkIdx, rec.StartTimestampMS,
		rec.Filename, string(rec.TranscodeStatus), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert temp recording %q: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) SetTranscodeStatus(ctx context.Context, id string, status store.TranscodeStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE temp_recordings SET transcode_status = $2 WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set transcode status of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TempRecordingsByMeeting(ctx context.Context, meetingID string) ([]store.TempRecording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, meeting_id, chunk_idx, start_timestamp_ms, filename, transcode_status, created_at
		FROM temp_recordings
		WHERE meeting_id = $1
		ORDER BY user_id, chunk_idx`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: temp recordings of meeting %q: %w", meetingID, err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TempRecording, error) {
		var r store.TempRecording
		var status string
		err := row.Scan(&r.ID, &r.UserID, &r.MeetingID, &r.ChunkIdx,
			&r.StartTimestampMS, &r.Filename, &status, &r.CreatedAt)
		r.TranscodeStatus = store.TranscodeStatus(status)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect temp recordings: %w", err)
	}
	return recs, nil
}

func (s *Store) CountPendingTranscodes(ctx context.Context, meetingID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM temp_recordings
		WHERE meeting_id = $1 AND transcode_status IN ($2, $3)`,
		meetingID, string(store.TranscodeQueued), string(store.TranscodeInProgress)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count pending transcodes of meeting %q: %w", meetingID, err)
	}
	return n, nil
}

func (s *Store) DeleteTempRecording(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM temp_recordings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete temp recording %q: %w", id, err)
	}
	return nil
}

func (s *Store) StaleTempRecordings(ctx context.Context, olderThan time.Time) ([]store.TempRecording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, meeting_id, chunk_idx, start_timestamp_ms, filename, transcode_status, created_at
		FROM temp_recordings
		WHERE created_at < $1
		ORDER BY created_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: stale temp recordings: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TempRecording, error) {
		var r store.TempRecording
		var status string
		err := row.Scan(&r.ID, &r.UserID, &r.MeetingID, &r.ChunkIdx,
			&r.StartTimestampMS, &r.Filename, &status, &r.CreatedAt)
		r.TranscodeStatus = store.TranscodeStatus(status)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect stale temp recordings: %w", err)
	}
	return recs, nil
}

func (s *Store) InsertPersistentRecording(ctx context.Context, rec store.PersistentRecording) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO persistent_recordings (id, user_id, meeting_id, duration_ms, sha256, filename)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.MeetingID, rec.DurationMS, rec.SHA256, rec.Filename)
	if err != nil {
		return fmt.Errorf("postgres: insert persistent recording %q: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) PersistentRecordingsByMeeting(ctx context.Context, meetingID string) ([]store.PersistentRecording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, meeting_id, duration_ms, sha256, filename
		FROM persistent_recordings
		WHERE meeting_id = $1
		ORDER BY user_id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: persistent recordings of meeting %q: %w", meetingID, err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.PersistentRecording, error) {
		var r store.PersistentRecording
		err := row.Scan(&r.ID, &r.UserID, &r.MeetingID, &r.DurationMS, &r.SHA256, &r.Filename)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect persistent recordings: %w", err)
	}
	return recs, nil
}
