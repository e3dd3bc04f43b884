package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mergechat/mautrix-max/internal/config"
	"github.com/mergechat/mautrix-max/internal/database"
	"github.com/mergechat/mautrix-max/internal/message"
	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

// Engine holds the shared bridge state: user sessions, portals, ghost
// management, and the converters. All event routing funnels through here.
type Engine struct {
	log       *slog.Logger
	cfg       *config.Config
	db        *database.Database
	matrix    MatrixClient
	processor *message.Processor
	metrics   *Metrics
	puppets   *PuppetManager

	mu            sync.RWMutex
	users         map[string]*User
	portalsByChat map[int64]*Portal
	portalsByMXID map[string]*Portal
}

// NewEngine wires the shared state together.
func NewEngine(log *slog.Logger, cfg *config.Config, db *database.Database, matrix MatrixClient, processor *message.Processor, metrics *Metrics, puppets *PuppetManager) *Engine {
	return &Engine{
		log:           log.With("component", "engine"),
		cfg:           cfg,
		db:            db,
		matrix:        matrix,
		processor:     processor,
		metrics:       metrics,
		puppets:       puppets,
		users:         make(map[string]*User),
		portalsByChat: make(map[int64]*Portal),
		portalsByMXID: make(map[string]*Portal),
	}
}

// botMXID is the bridge bot's own Matrix user id.
func (e *Engine) botMXID() string {
	return fmt.Sprintf("@%s:%s", e.cfg.AppService.Bot.Username, e.cfg.Homeserver.Domain)
}

// registerPortalRoom indexes a freshly materialized portal by its room id.
func (e *Engine) registerPortalRoom(p *Portal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if roomID := p.roomID(); roomID != "" {
		e.portalsByMXID[roomID] = p
	}
}

// LoadFromDB warms the portal and user registries from persisted state and
// reconnects every logged-in user.
func (e *Engine) LoadFromDB(ctx context.Context) error {
	portals, err := e.db.Portal.AllWithMXID(ctx)
	if err != nil {
		return fmt.Errorf("load portals: %w", err)
	}
	e.mu.Lock()
	for _, row := range portals {
		p := newPortal(e, row.MaxChatID)
		p.MXID = row.MXID
		p.Name = row.Name
		p.Encrypted = row.Encrypted
		p.RelayUserID = row.RelayUserID
		e.portalsByChat[row.MaxChatID] = p
		e.portalsByMXID[row.MXID] = p
	}
	e.mu.Unlock()

	rows, err := e.db.User.AllLoggedIn(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	active := 0
	for _, row := range rows {
		u := e.getOrAddUser(row)
		if err := u.Connect(ctx); err != nil {
			e.log.Error("failed to reconnect user", "mxid", row.MXID, "error", err)
			continue
		}
		active++
	}
	e.metrics.SetActiveUsers(active)
	e.log.Info("state loaded", "portals", len(portals), "users", len(rows), "connected", active)
	return nil
}

func (e *Engine) getOrAddUser(row *database.User) *User {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.users[row.MXID]; ok {
		return u
	}
	u := newUser(e, row)
	e.users[row.MXID] = u
	return u
}

// GetUser returns the cached session for a Matrix user, or nil.
func (e *Engine) GetUser(mxid string) *User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.users[mxid]
}

// GetOrCreateUser returns the session for a Matrix user, loading or creating
// the database row as needed.
func (e *Engine) GetOrCreateUser(ctx context.Context, mxid string) (*User, error) {
	if u := e.GetUser(mxid); u != nil {
		return u, nil
	}
	row, err := e.db.User.GetByMXID(ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", mxid, err)
	}
	if row == nil {
		row = &database.User{MXID: mxid}
		if err := e.db.User.Upsert(ctx, row); err != nil {
			return nil, fmt.Errorf("create user %s: %w", mxid, err)
		}
	}
	return e.getOrAddUser(row), nil
}

// GetPortalByChatID returns the portal for a Max chat, optionally creating a
// shadow portal when none exists yet.
func (e *Engine) GetPortalByChatID(ctx context.Context, chatID int64, create bool) (*Portal, error) {
	e.mu.RLock()
	if p, ok := e.portalsByChat[chatID]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	row, err := e.db.Portal.GetByMaxChatID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load portal %d: %w", chatID, err)
	}
	if row == nil && !create {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.portalsByChat[chatID]; ok {
		return p, nil
	}
	p := newPortal(e, chatID)
	if row != nil {
		p.MXID = row.MXID
		p.Name = row.Name
		p.Encrypted = row.Encrypted
		p.RelayUserID = row.RelayUserID
		if row.MXID != "" {
			e.portalsByMXID[row.MXID] = p
		}
	}
	e.portalsByChat[chatID] = p
	return p, nil
}

// GetPortalByMXID returns the portal backing a room, or nil for rooms the
// bridge does not manage.
func (e *Engine) GetPortalByMXID(ctx context.Context, roomID string) (*Portal, error) {
	e.mu.RLock()
	if p, ok := e.portalsByMXID[roomID]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	row, err := e.db.Portal.GetByMXID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load portal for room %s: %w", roomID, err)
	}
	if row == nil {
		return nil, nil
	}
	p, err := e.GetPortalByChatID(ctx, row.MaxChatID, true)
	if err != nil {
		return nil, err
	}
	e.registerPortalRoom(p)
	return p, nil
}

// DisconnectAll tears down every live Max session, typically at shutdown.
func (e *Engine) DisconnectAll() {
	e.mu.RLock()
	users := make([]*User, 0, len(e.users))
	for _, u := range e.users {
		users = append(users, u)
	}
	e.mu.RUnlock()
	for _, u := range users {
		if err := u.Disconnect(); err != nil {
			e.log.Warn("failed to disconnect user", "mxid", u.MXID, "error", err)
		}
	}
}

// HandleMatrixEvent routes one event from the appservice transaction stream.
// Ghost-sent events are dropped here to break the echo loop.
func (e *Engine) HandleMatrixEvent(ctx context.Context, evt *MatrixEvent) error {
	if e.puppets.IsGhost(evt.Sender) || evt.Sender == e.botMXID() {
		return nil
	}

	portal, err := e.GetPortalByMXID(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if portal == nil {
		e.log.Debug("event for unmanaged room", "room_id", evt.RoomID, "type", evt.Type)
		return nil
	}

	user, err := e.GetOrCreateUser(ctx, evt.Sender)
	if err != nil {
		return err
	}

	switch evt.Type {
	case "m.room.message", "m.sticker":
		return portal.HandleMatrixMessage(ctx, user, evt)
	case "m.reaction":
		return portal.HandleMatrixReaction(ctx, user, evt)
	case "m.room.redaction":
		return portal.HandleMatrixRedaction(ctx, user, evt)
	default:
		return nil
	}
}

// HandleMatrixReceipt routes an ephemeral read receipt to its portal.
func (e *Engine) HandleMatrixReceipt(ctx context.Context, roomID, sender, eventID string) error {
	if e.puppets.IsGhost(sender) {
		return nil
	}
	portal, err := e.GetPortalByMXID(ctx, roomID)
	if err != nil || portal == nil {
		return err
	}
	user := e.GetUser(sender)
	if user == nil {
		return nil
	}
	return portal.HandleMatrixReadReceipt(ctx, user, eventID)
}

// HandleMaxEvent routes one normalized upstream event to its portal.
func (e *Engine) HandleMaxEvent(ctx context.Context, user *User, evt *maxapi.MaxEvent) error {
	chatID := evt.ChatID
	if chatID == 0 && evt.Message != nil {
		chatID = evt.Message.ChatID()
	}
	if chatID == 0 {
		return nil
	}

	switch evt.Type {
	case maxapi.EventMessageCreated:
		portal, err := e.GetPortalByChatID(ctx, chatID, true)
		if err != nil {
			return err
		}
		return portal.HandleMaxMessage(ctx, user, evt)
	case maxapi.EventMessageEdited:
		portal, err := e.GetPortalByChatID(ctx, chatID, false)
		if err != nil || portal == nil {
			return err
		}
		if evt.MessageID == "" && evt.Message != nil {
			evt.MessageID = evt.Message.ID
		}
		return portal.HandleMaxEdit(ctx, evt)
	case maxapi.EventMessageRemoved:
		portal, err := e.GetPortalByChatID(ctx, chatID, false)
		if err != nil || portal == nil {
			return err
		}
		if evt.MessageID == "" && evt.Message != nil {
			evt.MessageID = evt.Message.ID
		}
		return portal.HandleMaxDelete(ctx, evt)
	case maxapi.EventReactionChanged:
		portal, err := e.GetPortalByChatID(ctx, chatID, false)
		if err != nil || portal == nil {
			return err
		}
		return portal.HandleMaxReaction(ctx, evt)
	case maxapi.EventReadReceipt:
		portal, err := e.GetPortalByChatID(ctx, chatID, false)
		if err != nil || portal == nil {
			return err
		}
		return portal.HandleMaxRead(ctx, evt)
	case maxapi.EventTyping:
		portal, err := e.GetPortalByChatID(ctx, chatID, false)
		if err != nil || portal == nil {
			return err
		}
		return portal.HandleMaxTyping(ctx, evt)
	case maxapi.EventChatTitleChanged:
		portal, err := e.GetPortalByChatID(ctx, chatID, false)
		if err != nil || portal == nil {
			return err
		}
		return portal.maybeRename(ctx, &maxapi.MaxChat{ID: chatID, Type: maxapi.ChatGroup, Title: evt.NewText})
	case maxapi.EventBotStarted, maxapi.EventUserAdded:
		if evt.User != nil {
			if _, err := e.puppets.UpdateInfo(ctx, evt.User); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
