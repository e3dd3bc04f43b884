package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Portal binds one Max chat to one Matrix room. MXID stays empty until the
// room is materialized.
type Portal struct {
	MaxChatID   int64
	MXID        string
	Name        string
	Encrypted   bool
	RelayUserID string
}

// PortalStore provides CRUD operations for portals.
type PortalStore struct {
	db *sql.DB
}

const portalColumns = `max_chat_id, COALESCE(mxid, ''), COALESCE(name, ''), encrypted, COALESCE(relay_user_id, '')`

func scanPortal(scanner interface{ Scan(...interface{}) error }, p *Portal) error {
	return scanner.Scan(&p.MaxChatID, &p.MXID, &p.Name, &p.Encrypted, &p.RelayUserID)
}

// Upsert inserts the portal or updates its mutable fields.
func (s *PortalStore) Upsert(ctx context.Context, p *Portal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal (max_chat_id, mxid, name, encrypted, relay_user_id)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, ''))
		ON CONFLICT (max_chat_id) DO UPDATE SET
			mxid = NULLIF($2, ''),
			name = NULLIF($3, ''),
			encrypted = $4,
			relay_user_id = NULLIF($5, '')
	`, p.MaxChatID, p.MXID, p.Name, p.Encrypted, p.RelayUserID)
	if err != nil {
		return fmt.Errorf("upsert portal: %w", err)
	}
	return nil
}

// GetByMaxChatID looks up a portal by Max chat id. Returns nil when absent.
func (s *PortalStore) GetByMaxChatID(ctx context.Context, chatID int64) (*Portal, error) {
	p := &Portal{}
	err := scanPortal(s.db.QueryRowContext(ctx,
		`SELECT `+portalColumns+` FROM portal WHERE max_chat_id = $1`, chatID), p)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get portal by chat id: %w", err)
	}
	return p, nil
}

// GetByMXID looks up a portal by Matrix room id. Returns nil when absent.
func (s *PortalStore) GetByMXID(ctx context.Context, mxid string) (*Portal, error) {
	p := &Portal{}
	err := scanPortal(s.db.QueryRowContext(ctx,
		`SELECT `+portalColumns+` FROM portal WHERE mxid = $1`, mxid), p)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get portal by mxid: %w", err)
	}
	return p, nil
}

// AllWithMXID returns every portal that has a materialized Matrix room.
func (s *PortalStore) AllWithMXID(ctx context.Context) ([]*Portal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+portalColumns+` FROM portal WHERE mxid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query portals with mxid: %w", err)
	}
	defer rows.Close()
	var portals []*Portal
	for rows.Next() {
		p := &Portal{}
		if err := scanPortal(rows, p); err != nil {
			return nil, fmt.Errorf("scan portal: %w", err)
		}
		portals = append(portals, p)
	}
	return portals, rows.Err()
}
