package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Puppet is the persisted profile state of one Max user's Matrix ghost.
type Puppet struct {
	MaxUserID    int64
	Name         string
	Username     string
	AvatarMXC    string
	NameSet      bool
	AvatarSet    bool
	IsRegistered bool
}

// PuppetStore provides CRUD operations for puppets.
type PuppetStore struct {
	db *sql.DB
}

const puppetColumns = `max_user_id, COALESCE(name, ''), COALESCE(username, ''), COALESCE(avatar_mxc, ''), name_set, avatar_set, is_registered`

func scanPuppet(scanner interface{ Scan(...interface{}) error }, p *Puppet) error {
	return scanner.Scan(&p.MaxUserID, &p.Name, &p.Username, &p.AvatarMXC, &p.NameSet, &p.AvatarSet, &p.IsRegistered)
}

// Upsert inserts the puppet or updates its profile state.
func (s *PuppetStore) Upsert(ctx context.Context, p *Puppet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO puppet (max_user_id, name, username, avatar_mxc, name_set, avatar_set, is_registered)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (max_user_id) DO UPDATE SET
			name = NULLIF($2, ''),
			username = NULLIF($3, ''),
			avatar_mxc = NULLIF($4, ''),
			name_set = $5,
			avatar_set = $6,
			is_registered = $7
	`, p.MaxUserID, p.Name, p.Username, p.AvatarMXC, p.NameSet, p.AvatarSet, p.IsRegistered)
	if err != nil {
		return fmt.Errorf("upsert puppet: %w", err)
	}
	return nil
}

// GetByMaxUserID looks up a puppet by Max user id. Returns nil when absent.
func (s *PuppetStore) GetByMaxUserID(ctx context.Context, userID int64) (*Puppet, error) {
	p := &Puppet{}
	err := scanPuppet(s.db.QueryRowContext(ctx,
		`SELECT `+puppetColumns+` FROM puppet WHERE max_user_id = $1`, userID), p)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get puppet by user id: %w", err)
	}
	return p, nil
}
