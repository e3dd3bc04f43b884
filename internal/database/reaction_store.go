package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Reaction maps a Matrix reaction event to a Max reaction. Max allows at
// most one reaction per user per message, hence the unique target index.
type Reaction struct {
	MXID        string
	MaxChatID   int64
	MaxMsgID    string
	MaxSenderID int64
	Reaction    string
}

// ReactionStore provides CRUD operations for reaction mappings.
type ReactionStore struct {
	db *sql.DB
}

const reactionColumns = `mxid, max_chat_id, max_msg_id, max_sender_id, COALESCE(reaction, '')`

func scanReaction(scanner interface{ Scan(...interface{}) error }, r *Reaction) error {
	return scanner.Scan(&r.MXID, &r.MaxChatID, &r.MaxMsgID, &r.MaxSenderID, &r.Reaction)
}

// Upsert records a reaction, replacing any previous reaction by the same
// sender on the same message.
func (s *ReactionStore) Upsert(ctx context.Context, r *Reaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reaction (mxid, max_chat_id, max_msg_id, max_sender_id, reaction)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (max_chat_id, max_msg_id, max_sender_id) DO UPDATE SET
			mxid = $1,
			reaction = $5
	`, r.MXID, r.MaxChatID, r.MaxMsgID, r.MaxSenderID, r.Reaction)
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

// GetByMXID looks up a reaction by its Matrix event id. Returns nil when
// absent.
func (s *ReactionStore) GetByMXID(ctx context.Context, mxid string) (*Reaction, error) {
	r := &Reaction{}
	err := scanReaction(s.db.QueryRowContext(ctx,
		`SELECT `+reactionColumns+` FROM reaction WHERE mxid = $1`, mxid), r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reaction by mxid: %w", err)
	}
	return r, nil
}

// GetByTarget looks up a sender's reaction on a message. Returns nil when
// absent.
func (s *ReactionStore) GetByTarget(ctx context.Context, chatID int64, msgID string, senderID int64) (*Reaction, error) {
	r := &Reaction{}
	err := scanReaction(s.db.QueryRowContext(ctx,
		`SELECT `+reactionColumns+` FROM reaction
		 WHERE max_chat_id = $1 AND max_msg_id = $2 AND max_sender_id = $3`,
		chatID, msgID, senderID), r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reaction by target: %w", err)
	}
	return r, nil
}

// DeleteByMXID removes a reaction row by its Matrix event id.
func (s *ReactionStore) DeleteByMXID(ctx context.Context, mxid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reaction WHERE mxid = $1`, mxid)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// DeleteByTarget removes a sender's reaction on a message.
func (s *ReactionStore) DeleteByTarget(ctx context.Context, chatID int64, msgID string, senderID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reaction
		WHERE max_chat_id = $1 AND max_msg_id = $2 AND max_sender_id = $3
	`, chatID, msgID, senderID)
	if err != nil {
		return fmt.Errorf("delete reaction by target: %w", err)
	}
	return nil
}
