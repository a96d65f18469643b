package membership

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSource reads membership from the chat_participants table owned by
// the surrounding application.
type PgSource struct {
	db *pgxpool.Pool
}

// NewPgSource creates a postgres-backed membership source.
func NewPgSource(db *pgxpool.Pool) *PgSource {
	return &PgSource{db: db}
}

// MembersOf returns the user ids participating in a conversation.
func (s *PgSource) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	return members, nil
}
