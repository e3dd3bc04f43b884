package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mergechat/mautrix-max/internal/config"
	"github.com/mergechat/mautrix-max/internal/database"
	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

// PuppetManager creates and manages Matrix ghost users that represent Max
// users. Each Max user maps to a virtual Matrix user like @max_123:domain.
type PuppetManager struct {
	log     *slog.Logger
	cfg     *config.Config
	db      *database.PuppetStore
	matrix  MatrixClient
	metrics *Metrics

	// fetch pulls avatar bytes off Max CDN URLs.
	fetch func(ctx context.Context, url string) ([]byte, error)

	mu      sync.RWMutex
	puppets map[int64]*Puppet
}

// Puppet is the in-memory state of one ghost.
type Puppet struct {
	MaxUserID  int64
	MXID       string
	Name       string
	Username   string
	AvatarURL  string
	AvatarMXC  string
	NameSet    bool
	AvatarSet  bool
	Registered bool
}

// NewPuppetManager creates a new PuppetManager.
func NewPuppetManager(log *slog.Logger, cfg *config.Config, db *database.PuppetStore, matrix MatrixClient, metrics *Metrics, fetch func(ctx context.Context, url string) ([]byte, error)) *PuppetManager {
	return &PuppetManager{
		log:     log,
		cfg:     cfg,
		db:      db,
		matrix:  matrix,
		metrics: metrics,
		fetch:   fetch,
		puppets: make(map[int64]*Puppet),
	}
}

// MXIDFor derives the ghost Matrix user id for a Max user id. It is a pure
// function of the id and the configured template.
func (pm *PuppetManager) MXIDFor(userID int64) string {
	return fmt.Sprintf("@%s:%s", pm.cfg.GhostUsername(userID), pm.cfg.Homeserver.Domain)
}

// ghostPrefix returns the "@max_" part shared by every ghost mxid.
func (pm *PuppetManager) ghostPrefix() string {
	prefix, _, _ := strings.Cut(pm.cfg.Bridge.UsernameTemplate, "{userid}")
	return "@" + prefix
}

// IsGhost reports whether a Matrix user id belongs to this bridge's ghost
// namespace. Used to break echo loops.
func (pm *PuppetManager) IsGhost(mxid string) bool {
	_, ok := pm.ParseMXID(mxid)
	return ok
}

// ParseMXID extracts the Max user id from a ghost mxid.
func (pm *PuppetManager) ParseMXID(mxid string) (int64, bool) {
	prefix := pm.ghostPrefix()
	suffix := ":" + pm.cfg.Homeserver.Domain
	if !strings.HasPrefix(mxid, prefix) || !strings.HasSuffix(mxid, suffix) {
		return 0, false
	}
	id, err := strconv.ParseInt(mxid[len(prefix):len(mxid)-len(suffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Get returns the puppet for a Max user id, loading persisted state or
// creating fresh in-memory state as needed. Registration stays lazy until
// the puppet first acts.
func (pm *PuppetManager) Get(ctx context.Context, userID int64) (*Puppet, error) {
	pm.mu.RLock()
	if p, ok := pm.puppets[userID]; ok {
		pm.mu.RUnlock()
		return p, nil
	}
	pm.mu.RUnlock()

	dbPuppet, err := pm.db.GetByMaxUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load puppet %d: %w", userID, err)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if p, ok := pm.puppets[userID]; ok {
		return p, nil
	}

	p := &Puppet{MaxUserID: userID, MXID: pm.MXIDFor(userID)}
	if dbPuppet != nil {
		p.Name = dbPuppet.Name
		p.Username = dbPuppet.Username
		p.AvatarMXC = dbPuppet.AvatarMXC
		p.NameSet = dbPuppet.NameSet
		p.AvatarSet = dbPuppet.AvatarSet
		p.Registered = dbPuppet.IsRegistered
	}
	pm.puppets[userID] = p
	return p, nil
}

// EnsureRegistered lazily registers the ghost with the homeserver.
func (pm *PuppetManager) EnsureRegistered(ctx context.Context, p *Puppet) error {
	if p.Registered {
		return nil
	}
	if err := pm.matrix.EnsureRegistered(ctx, p.MXID); err != nil {
		return fmt.Errorf("register ghost %s: %w", p.MXID, err)
	}
	p.Registered = true
	pm.metrics.IncrPuppetsCreated()
	return pm.persist(ctx, p)
}

// UpdateInfo syncs the ghost's profile from a Max user record, touching the
// homeserver only for fields that actually changed.
func (pm *PuppetManager) UpdateInfo(ctx context.Context, user *maxapi.MaxUser) (*Puppet, error) {
	p, err := pm.Get(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if err := pm.EnsureRegistered(ctx, p); err != nil {
		return nil, err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	changed := false

	name := user.DisplayName()
	if name != "" && (name != p.Name || user.Username != p.Username || !p.NameSet) {
		displayName := pm.cfg.GhostDisplayname(name, user.Username, user.ID)
		if err := pm.matrix.SetDisplayName(ctx, p.MXID, displayName); err != nil {
			return nil, fmt.Errorf("set ghost display name: %w", err)
		}
		p.Name = name
		p.Username = user.Username
		p.NameSet = true
		changed = true
	}

	if user.AvatarURL != "" && (user.AvatarURL != p.AvatarURL || !p.AvatarSet) {
		if err := pm.updateAvatar(ctx, p, user.AvatarURL); err != nil {
			// Leave the flag unset so the next sighting retries.
			pm.log.Warn("failed to sync ghost avatar",
				"user_id", user.ID, "error", err)
		} else {
			changed = true
		}
	}

	if changed {
		if err := pm.persist(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (pm *PuppetManager) updateAvatar(ctx context.Context, p *Puppet, avatarURL string) error {
	data, err := pm.fetch(ctx, avatarURL)
	if err != nil {
		return fmt.Errorf("download avatar: %w", err)
	}
	mxc, err := pm.matrix.UploadMedia(ctx, data, "image/jpeg", "avatar.jpg")
	if err != nil {
		return fmt.Errorf("upload avatar: %w", err)
	}
	if err := pm.matrix.SetAvatarURL(ctx, p.MXID, mxc); err != nil {
		return fmt.Errorf("set ghost avatar: %w", err)
	}
	p.AvatarURL = avatarURL
	p.AvatarMXC = mxc
	p.AvatarSet = true
	return nil
}

func (pm *PuppetManager) persist(ctx context.Context, p *Puppet) error {
	err := pm.db.Upsert(ctx, &database.Puppet{
		MaxUserID:    p.MaxUserID,
		Name:         p.Name,
		Username:     p.Username,
		AvatarMXC:    p.AvatarMXC,
		NameSet:      p.NameSet,
		AvatarSet:    p.AvatarSet,
		IsRegistered: p.Registered,
	})
	if err != nil {
		return fmt.Errorf("save puppet %d: %w", p.MaxUserID, err)
	}
	return nil
}
