package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Message is one correlation row: the link between a Max message and the
// Matrix event it was bridged to, in either direction.
type Message struct {
	MaxChatID int64
	MaxMsgID  string
	MXID      string
	MXRoom    string
	Timestamp int64
}

// MessageStore provides CRUD operations for message correlations.
type MessageStore struct {
	db *sql.DB
}

const messageColumns = `max_chat_id, max_msg_id, mxid, mx_room, COALESCE(timestamp, 0)`

func scanMessage(scanner interface{ Scan(...interface{}) error }, m *Message) error {
	return scanner.Scan(&m.MaxChatID, &m.MaxMsgID, &m.MXID, &m.MXRoom, &m.Timestamp)
}

// Insert records a correlation. Conflicts are ignored: the echo of a message
// the bridge itself sent may race with the original insert.
func (s *MessageStore) Insert(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message (max_chat_id, max_msg_id, mxid, mx_room, timestamp)
		VALUES ($1, $2, $3, $4, NULLIF($5, 0))
		ON CONFLICT (max_chat_id, max_msg_id) DO NOTHING
	`, m.MaxChatID, m.MaxMsgID, m.MXID, m.MXRoom, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetByMaxMsgID looks up a correlation by Max message id. Returns nil when
// absent.
func (s *MessageStore) GetByMaxMsgID(ctx context.Context, chatID int64, msgID string) (*Message, error) {
	m := &Message{}
	err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE max_chat_id = $1 AND max_msg_id = $2`,
		chatID, msgID), m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by max id: %w", err)
	}
	return m, nil
}

// GetByMXID looks up a correlation by Matrix event id. Returns nil when
// absent.
func (s *MessageStore) GetByMXID(ctx context.Context, eventID string) (*Message, error) {
	m := &Message{}
	err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE mxid = $1`, eventID), m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by mxid: %w", err)
	}
	return m, nil
}

// CountByChat returns how many correlations exist for a chat.
func (s *MessageStore) CountByChat(ctx context.Context, chatID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message WHERE max_chat_id = $1`, chatID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages by chat: %w", err)
	}
	return count, nil
}
