package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kestrad/voxtail/internal/store"
)

func (s *Store) CreateMeeting(ctx context.Context, m store.Meeting) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meetings (id, guild_id, channel_id, requester_id, started_at, status, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.GuildID, m.ChannelID, m.RequesterID, m.StartedAt, string(m.Status), m.Participants)
	if err != nil {
		return fmt.Errorf("postgres: create meeting %q: %w", m.ID, err)
	}
	return nil
}

func (s *Store) MeetingByID(ctx context.Context, id string) (store.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guild_id, channel_id, requester_id, started_at,
		       COALESCE(ended_at, 'epoch'::timestamptz), status, participants
		FROM meetings WHERE id = $1`, id)

	var m store.Meeting
	var status string
	err := row.Scan(&m.ID, &m.GuildID, &m.ChannelID, &m.RequesterID,
		&m.StartedAt, &m.EndedAt, &status, &m.Participants)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Meeting{}, store.ErrNotFound
	}
	if err != nil {
		return store.Meeting{}, fmt.Errorf("postgres: meeting %q: %w", id, err)
	}
	m.Status = store.MeetingStatus(status)
	if m.EndedAt.Unix() == 0 {
		m.EndedAt = time.Time{}
	}
	return m, nil
}

func (s *Store) SetMeetingStatus(ctx context.Context, id string, status store.MeetingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set meeting %q status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) EndMeeting(ctx context.Context, id string, endedAt time.Time, status store.MeetingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET ended_at = $2, status = $3 WHERE id = $1`,
		id, endedAt, string(status))
	if err != nil {
		return fmt.Errorf("postgres: end meeting %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddParticipant(ctx context.Context, meetingID, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings
		SET participants = array_append(participants, $2)
		WHERE id = $1 AND NOT participants @> ARRAY[$2]::text[]`,
		meetingID, userID)
	if err != nil {
		return fmt.Errorf("postgres: add participant %q to meeting %q: %w", userID, meetingID, err)
	}
	// Zero rows is fine when the participant is already recorded, but a
	// missing meeting must still surface.
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM meetings WHERE id = $1)`, meetingID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: add participant: check meeting %q: %w", meetingID, err)
		}
		if !exists {
			return store.ErrNotFound
		}
	}
	return nil
}
