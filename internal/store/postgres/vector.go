package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/kestrad/voxtail/internal/store"
)

// Upsert inserts or replaces documents in a collection. Re-running with the
// same document IDs overwrites in place, so an interrupted embedding job can
// be retried without duplicating entries.
func (s *Store) Upsert(ctx context.Context, collection string, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range docs {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO vector_documents (collection, id, content, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (collection, id) DO UPDATE
			SET content = EXCLUDED.content,
			    embedding = EXCLUDED.embedding,
			    metadata = EXCLUDED.metadata`,
			collection, d.ID, d.Content, pgvector.NewVector(d.Embedding), meta)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range docs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert into %q: %w", collection, err)
		}
	}
	return nil
}

// Search returns the topK nearest documents by cosine distance.
func (s *Store) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]store.Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, embedding, metadata, embedding <=> $2 AS distance
		FROM vector_documents
		WHERE collection = $1
		ORDER BY distance
		LIMIT $3`,
		collection, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search %q: %w", collection, err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Match, error) {
		var m store.Match
		var vec pgvector.Vector
		err := row.Scan(&m.ID, &m.Content, &vec, &m.Metadata, &m.Distance)
		m.Embedding = vec.Slice()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect matches: %w", err)
	}
	return matches, nil
}

// CountByMeeting reports how many documents of a meeting already exist in a
// collection, keyed by the meeting_id metadata field.
func (s *Store) CountByMeeting(ctx context.Context, collection, meetingID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM vector_documents
		WHERE collection = $1 AND metadata->>'meeting_id' = $2`,
		collection, meetingID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count documents of meeting %q in %q: %w", meetingID, collection, err)
	}
	return n, nil
}
