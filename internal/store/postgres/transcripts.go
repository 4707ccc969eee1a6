package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kestrad/voxtail/internal/store"
)

func (s *Store) InsertUserTranscript(ctx context.Context, t store.UserTranscript) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_transcripts (id, meeting_id, user_id, sha256, filename)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.MeetingID, t.UserID, t.SHA256, t.Filename)
	if err != nil {
		return fmt.Errorf("postgres: insert user transcript %q: %w", t.ID, err)
	}
	return nil
}

func (s *Store) UserTranscriptsByMeeting(ctx context.Context, meetingID string) ([]store.UserTranscript, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, meeting_id, user_id, sha256, filename
		FROM user_transcripts
		WHERE meeting_id = $1
		ORDER BY user_id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: user transcripts of meeting %q: %w", meetingID, err)
	}

	ts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.UserTranscript, error) {
		var t store.UserTranscript
		err := row.Scan(&t.ID, &t.MeetingID, &t.UserID, &t.SHA256, &t.Filename)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect user transcripts: %w", err)
	}
	return ts, nil
}

func (s *Store) InsertCompiledTranscript(ctx context.Context, t store.CompiledTranscript) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compiled_transcripts (id, meeting_id, sha256, filename, embedded)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meeting_id) DO UPDATE
		SET sha256 = EXCLUDED.sha256, filename = EXCLUDED.filename, embedded = EXCLUDED.embedded`,
		t.ID, t.MeetingID, t.SHA256, t.Filename, t.Embedded)
	if err != nil {
		return fmt.Errorf("postgres: insert compiled transcript %q: %w", t.ID, err)
	}
	return nil
}

func (s *Store) CompiledTranscriptByMeeting(ctx context.Context, meetingID string) (store.CompiledTranscript, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, meeting_id, sha256, filename, embedded
		FROM compiled_transcripts
		WHERE meeting_id = $1`, meetingID)

	var t store.CompiledTranscript
	err := row.Scan(&t.ID, &t.MeetingID, &t.SHA256, &t.Filename, &t.Embedded)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CompiledTranscript{}, store.ErrNotFound
	}
	if err != nil {
		return store.CompiledTranscript{}, fmt.Errorf("postgres: compiled transcript of meeting %q: %w", meetingID, err)
	}
	return t, nil
}

func (s *Store) MarkCompiledTranscriptEmbedded(ctx context.Context, meetingID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE compiled_transcripts SET embedded = TRUE WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return fmt.Errorf("postgres: mark compiled transcript of meeting %q embedded: %w", meetingID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
