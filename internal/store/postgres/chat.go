package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kestrad/voxtail/internal/ident"
	"github.com/kestrad/voxtail/internal/store"
)

func (s *Store) EnsureConversation(ctx context.Context, guildID, userID string) (store.Conversation, error) {
	// Insert-if-absent, then read back. The UNIQUE (guild_id, user_id)
	// constraint makes the insert a no-op for existing conversations.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, guild_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, user_id) DO NOTHING`,
		ident.New(), guildID, userID)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("postgres: ensure conversation: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, guild_id, user_id, created_at
		FROM conversations
		WHERE guild_id = $1 AND user_id = $2`, guildID, userID)

	var c store.Conversation
	if err := row.Scan(&c.ID, &c.GuildID, &c.UserID, &c.CreatedAt); err != nil {
		return store.Conversation{}, fmt.Errorf("postgres: read conversation: %w", err)
	}
	return c, nil
}

func (s *Store) AppendChatMessage(ctx context.Context, m store.ChatMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, conversation_id, role, content)
		VALUES ($1, $2, $3, $4)`,
		m.ID, m.ConversationID, m.Role, m.Content)
	if err != nil {
		return fmt.Errorf("postgres: append chat message %q: %w", m.ID, err)
	}
	return nil
}

// ChatMessages returns the most recent limit messages of a conversation in
// chronological order. limit <= 0 returns all messages.
func (s *Store) ChatMessages(ctx context.Context, conversationID string, limit int) ([]store.ChatMessage, error) {
	query := `
		SELECT id, conversation_id, role, content, created_at
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: chat messages of %q: %w", conversationID, err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChatMessage, error) {
		var m store.ChatMessage
		err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect chat messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
