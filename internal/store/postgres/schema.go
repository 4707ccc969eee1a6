package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMeetings = `
CREATE TABLE IF NOT EXISTS meetings (
    id            TEXT         PRIMARY KEY,
    guild_id      TEXT         NOT NULL,
    channel_id    TEXT         NOT NULL,
    requester_id  TEXT         NOT NULL,
    started_at    TIMESTAMPTZ  NOT NULL,
    ended_at      TIMESTAMPTZ,
    status        TEXT         NOT NULL,
    participants  TEXT[]       NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_meetings_guild ON meetings (guild_id);
CREATE INDEX IF NOT EXISTS idx_meetings_status ON meetings (status);
`

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS temp_recordings (
    id                  TEXT         PRIMARY KEY,
    user_id             TEXT         NOT NULL,
    meeting_id          TEXT         NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    chunk_idx           INTEGER      NOT NULL,
    start_timestamp_ms  BIGINT       NOT NULL,
    filename            TEXT         NOT NULL,
    transcode_status    TEXT         NOT NULL,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (meeting_id, user_id, chunk_idx)
);

CREATE INDEX IF NOT EXISTS idx_temp_recordings_meeting
    ON temp_recordings (meeting_id);

CREATE INDEX IF NOT EXISTS idx_temp_recordings_status
    ON temp_recordings (transcode_status);

CREATE TABLE IF NOT EXISTS persistent_recordings (
    id           TEXT    PRIMARY KEY,
    user_id      TEXT    NOT NULL,
    meeting_id   TEXT    NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    duration_ms  BIGINT  NOT NULL,
    sha256       TEXT    NOT NULL,
    filename     TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_persistent_recordings_meeting
    ON persistent_recordings (meeting_id);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS user_transcripts (
    id          TEXT  PRIMARY KEY,
    meeting_id  TEXT  NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    user_id     TEXT  NOT NULL,
    sha256      TEXT  NOT NULL,
    filename    TEXT  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_transcripts_meeting
    ON user_transcripts (meeting_id);

CREATE TABLE IF NOT EXISTS compiled_transcripts (
    id          TEXT     PRIMARY KEY,
    meeting_id  TEXT     NOT NULL UNIQUE REFERENCES meetings (id) ON DELETE CASCADE,
    sha256      TEXT     NOT NULL,
    filename    TEXT     NOT NULL,
    embedded    BOOLEAN  NOT NULL DEFAULT FALSE
);
`

const ddlJobs = `
CREATE TABLE IF NOT EXISTS job_status (
    id           TEXT         PRIMARY KEY,
    type         TEXT         NOT NULL,
    meeting_id   TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL,
    started_at   TIMESTAMPTZ,
    finished_at  TIMESTAMPTZ,
    status       TEXT         NOT NULL,
    error_log    TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_job_status_meeting ON job_status (meeting_id);
CREATE INDEX IF NOT EXISTS idx_job_status_status ON job_status (status);
`

const ddlChat = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    guild_id    TEXT         NOT NULL,
    user_id     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id               TEXT         PRIMARY KEY,
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
    ON chat_messages (conversation_id, created_at);
`

// ddlVectors returns the vector collection DDL with the embedding dimension
// baked into the column type. One table holds every collection; the
// collection name is part of the primary key, so upserts stay idempotent per
// (collection, document).
func ddlVectors(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_documents (
    collection  TEXT   NOT NULL,
    id          TEXT   NOT NULL,
    content     TEXT   NOT NULL,
    embedding   vector(%d),
    metadata    JSONB  NOT NULL DEFAULT '{}',
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_vector_documents_collection
    ON vector_documents (collection);

CREATE INDEX IF NOT EXISTS idx_vector_documents_meeting
    ON vector_documents ((metadata->>'meeting_id'));

CREATE INDEX IF NOT EXISTS idx_vector_documents_embedding
    ON vector_documents USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates all tables, indexes, and the pgvector extension if they do
// not already exist. It is safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres: embeddingDimensions must be positive, got %d", embeddingDimensions)
	}

	stmts := []struct {
		name string
		ddl  string
	}{
		{"meetings", ddlMeetings},
		{"recordings", ddlRecordings},
		{"transcripts", ddlTranscripts},
		{"job_status", ddlJobs},
		{"chat", ddlChat},
		{"vectors", ddlVectors(embeddingDimensions)},
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s.ddl); err != nil {
			return fmt.Errorf("postgres: migrate %s: %w", s.name, err)
		}
	}
	return nil
}
