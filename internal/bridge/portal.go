package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mergechat/mautrix-max/internal/database"
	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

// Portal binds one Max chat to one Matrix room and routes events between
// them. A portal starts as a shadow (no room); the first upstream message
// or an explicit sync materializes the room.
type Portal struct {
	log    *slog.Logger
	engine *Engine

	// roomCreateLock serializes materialization so concurrent triggers
	// cannot produce two rooms. The holder re-checks MXID after acquiring.
	roomCreateLock sync.Mutex

	mu          sync.Mutex
	joined      map[string]bool
	ChatID      int64
	MXID        string
	Name        string
	Encrypted   bool
	RelayUserID string
}

func newPortal(engine *Engine, chatID int64) *Portal {
	return &Portal{
		log:    engine.log.With("component", "portal", "chat_id", chatID),
		engine: engine,
		joined: make(map[string]bool),
		ChatID: chatID,
	}
}

// IsLive reports whether the Matrix room exists.
func (p *Portal) IsLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MXID != ""
}

func (p *Portal) roomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MXID
}

// placeholderName reports whether the persisted name is the synthetic
// fallback used before the chat's real title is known.
func (p *Portal) placeholderName() bool {
	return p.Name == "" || strings.HasPrefix(p.Name, "Chat ")
}

func (p *Portal) persist(ctx context.Context) error {
	err := p.engine.db.Portal.Upsert(ctx, &database.Portal{
		MaxChatID:   p.ChatID,
		MXID:        p.MXID,
		Name:        p.Name,
		Encrypted:   p.Encrypted,
		RelayUserID: p.RelayUserID,
	})
	if err != nil {
		return fmt.Errorf("save portal %d: %w", p.ChatID, err)
	}
	return nil
}

// EnsureRoom materializes the Matrix room if it does not exist yet. chat is
// an optional info hint; user is the Matrix user to invite.
func (p *Portal) EnsureRoom(ctx context.Context, user *User, chat *maxapi.MaxChat) error {
	p.roomCreateLock.Lock()
	defer p.roomCreateLock.Unlock()
	if p.roomID() != "" {
		// Materialized while we waited; maybe the name improved.
		return p.maybeRename(ctx, chat)
	}

	if chat == nil && user != nil {
		chat = user.resolveChat(ctx, p.ChatID)
	}

	name := p.Name
	isDirect := false
	if chat != nil {
		name = chat.DisplayTitle()
		isDirect = chat.Type == maxapi.ChatDialog
	}
	if name == "" {
		name = fmt.Sprintf("Chat %d", p.ChatID)
	}

	req := &CreateRoomRequest{
		Name:        name,
		IsDirect:    isDirect,
		IsEncrypted: p.Encrypted,
	}
	if user != nil {
		req.Invite = []string{user.MXID}
	}

	roomID, err := p.engine.matrix.CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("create room for chat %d: %w", p.ChatID, err)
	}

	p.mu.Lock()
	p.MXID = roomID
	p.Name = name
	p.mu.Unlock()

	p.engine.registerPortalRoom(p)
	p.engine.metrics.IncrRoomsCreated()
	p.log.Info("materialized portal room", "room_id", roomID, "name", name)

	return p.persist(ctx)
}

// maybeRename upgrades a placeholder room name once the real title is known.
func (p *Portal) maybeRename(ctx context.Context, chat *maxapi.MaxChat) error {
	if chat == nil {
		return nil
	}
	title := chat.DisplayTitle()
	p.mu.Lock()
	rename := p.placeholderName() && title != "" && title != p.Name && !strings.HasPrefix(title, "Chat ")
	roomID := p.MXID
	p.mu.Unlock()
	if !rename || roomID == "" {
		return nil
	}
	if err := p.engine.matrix.SetRoomName(ctx, roomID, title); err != nil {
		return fmt.Errorf("rename room %s: %w", roomID, err)
	}
	p.mu.Lock()
	p.Name = title
	p.mu.Unlock()
	return p.persist(ctx)
}

// ensureGhostJoined makes a ghost join the room once per process lifetime.
func (p *Portal) ensureGhostJoined(ctx context.Context, ghostMXID string) {
	p.mu.Lock()
	already := p.joined[ghostMXID]
	roomID := p.MXID
	p.mu.Unlock()
	if already || roomID == "" {
		return
	}
	if err := p.engine.matrix.JoinRoom(ctx, ghostMXID, roomID); err != nil {
		p.log.Warn("ghost failed to join room", "ghost", ghostMXID, "error", err)
		return
	}
	p.mu.Lock()
	p.joined[ghostMXID] = true
	p.mu.Unlock()
}

// --- Max → Matrix ---

// HandleMaxMessage bridges an upstream message into the Matrix room,
// materializing the room on first contact.
func (p *Portal) HandleMaxMessage(ctx context.Context, user *User, evt *maxapi.MaxEvent) error {
	msg := evt.Message
	if msg == nil || msg.ID == "" {
		return nil
	}
	start := time.Now()

	// Echo dedup: the bridge's own sends come back through the client.
	existing, err := p.engine.db.Message.GetByMaxMsgID(ctx, p.ChatID, msg.ID)
	if err != nil {
		return fmt.Errorf("check message dedup: %w", err)
	}
	if existing != nil {
		p.log.Debug("dropping echoed message", "max_msg_id", msg.ID)
		return nil
	}

	if err := p.EnsureRoom(ctx, user, nil); err != nil {
		return err
	}

	senderMXID := p.engine.botMXID()
	if msg.Sender != nil && msg.Sender.ID != 0 {
		puppet, err := p.engine.puppets.UpdateInfo(ctx, msg.Sender)
		if err != nil {
			p.log.Warn("failed to sync sender ghost",
				"sender_id", msg.Sender.ID, "error", err)
		} else {
			senderMXID = puppet.MXID
			p.ensureGhostJoined(ctx, senderMXID)
		}
	}

	contents, err := p.engine.processor.MaxToMatrix(ctx, msg)
	if err != nil {
		p.engine.metrics.IncrMessagesFailed()
		return fmt.Errorf("convert message %s: %w", msg.ID, err)
	}
	if len(contents) == 0 {
		return nil
	}

	if replyTo := msg.ReplyTo(); replyTo != "" {
		target, err := p.engine.db.Message.GetByMaxMsgID(ctx, p.ChatID, replyTo)
		if err == nil && target != nil {
			contents[0].Content["m.relates_to"] = map[string]interface{}{
				"m.in_reply_to": map[string]interface{}{"event_id": target.MXID},
			}
		}
	}

	roomID := p.roomID()
	var firstEventID string
	for _, c := range contents {
		eventID, err := p.engine.matrix.SendMessage(ctx, roomID, senderMXID, c.EventType, c.Content)
		if err != nil {
			p.engine.metrics.IncrMessagesFailed()
			p.log.Error("failed to send matrix event", "max_msg_id", msg.ID, "error", err)
			continue
		}
		if firstEventID == "" {
			firstEventID = eventID
		}
	}
	if firstEventID == "" {
		return fmt.Errorf("no matrix event sent for message %s", msg.ID)
	}

	err = p.engine.db.Message.Insert(ctx, &database.Message{
		MaxChatID: p.ChatID,
		MaxMsgID:  msg.ID,
		MXID:      firstEventID,
		MXRoom:    roomID,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return err
	}
	p.engine.metrics.IncrMaxMessagesBridged()
	p.engine.metrics.ObserveMaxToMatrixLatency(time.Since(start))
	return nil
}

// HandleMaxEdit bridges an upstream edit as an m.replace event. Unknown
// targets are dropped silently.
func (p *Portal) HandleMaxEdit(ctx context.Context, evt *maxapi.MaxEvent) error {
	target, err := p.engine.db.Message.GetByMaxMsgID(ctx, p.ChatID, evt.MessageID)
	if err != nil {
		return fmt.Errorf("look up edit target: %w", err)
	}
	if target == nil {
		p.log.Debug("edit for unmapped message", "max_msg_id", evt.MessageID)
		return nil
	}

	senderMXID := p.senderMXIDFor(ctx, evt.SenderID)
	content := map[string]interface{}{
		"msgtype": "m.text",
		"body":    "* " + evt.NewText,
		"m.new_content": map[string]interface{}{
			"msgtype": "m.text",
			"body":    evt.NewText,
		},
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.replace",
			"event_id": target.MXID,
		},
	}
	_, err = p.engine.matrix.SendMessage(ctx, target.MXRoom, senderMXID, "m.room.message", content)
	return err
}

// HandleMaxDelete redacts the Matrix event mapped to a removed Max message.
func (p *Portal) HandleMaxDelete(ctx context.Context, evt *maxapi.MaxEvent) error {
	target, err := p.engine.db.Message.GetByMaxMsgID(ctx, p.ChatID, evt.MessageID)
	if err != nil {
		return fmt.Errorf("look up delete target: %w", err)
	}
	if target == nil {
		p.log.Debug("delete for unmapped message", "max_msg_id", evt.MessageID)
		return nil
	}
	return p.engine.matrix.RedactEvent(ctx, target.MXRoom, p.senderMXIDFor(ctx, evt.SenderID), target.MXID, "")
}

// HandleMaxReaction bridges an upstream reaction. An empty emoji removes
// the sender's existing reaction.
func (p *Portal) HandleMaxReaction(ctx context.Context, evt *maxapi.MaxEvent) error {
	if evt.Reaction == "" {
		row, err := p.engine.db.Reaction.GetByTarget(ctx, p.ChatID, evt.MessageID, evt.SenderID)
		if err != nil || row == nil {
			return err
		}
		if err := p.engine.matrix.RedactEvent(ctx, p.roomID(), p.senderMXIDFor(ctx, evt.SenderID), row.MXID, ""); err != nil {
			return err
		}
		return p.engine.db.Reaction.DeleteByTarget(ctx, p.ChatID, evt.MessageID, evt.SenderID)
	}

	target, err := p.engine.db.Message.GetByMaxMsgID(ctx, p.ChatID, evt.MessageID)
	if err != nil || target == nil {
		return err
	}
	senderMXID := p.senderMXIDFor(ctx, evt.SenderID)
	content := map[string]interface{}{
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.annotation",
			"event_id": target.MXID,
			"key":      evt.Reaction,
		},
	}
	eventID, err := p.engine.matrix.SendMessage(ctx, target.MXRoom, senderMXID, "m.reaction", content)
	if err != nil {
		return err
	}
	return p.engine.db.Reaction.Upsert(ctx, &database.Reaction{
		MXID:        eventID,
		MaxChatID:   p.ChatID,
		MaxMsgID:    evt.MessageID,
		MaxSenderID: evt.SenderID,
		Reaction:    evt.Reaction,
	})
}

// HandleMaxRead forwards a peer read marker as a Matrix read receipt.
func (p *Portal) HandleMaxRead(ctx context.Context, evt *maxapi.MaxEvent) error {
	if !p.engine.cfg.Bridge.MessageHandling.SendReadReceipts || evt.MessageID == "" {
		return nil
	}
	target, err := p.engine.db.Message.GetByMaxMsgID(ctx, p.ChatID, evt.MessageID)
	if err != nil || target == nil {
		return err
	}
	return p.engine.matrix.SendReadReceipt(ctx, target.MXRoom, p.senderMXIDFor(ctx, evt.SenderID), target.MXID)
}

// HandleMaxTyping forwards a peer typing notification.
func (p *Portal) HandleMaxTyping(ctx context.Context, evt *maxapi.MaxEvent) error {
	if !p.engine.cfg.Bridge.MessageHandling.BridgeTyping {
		return nil
	}
	roomID := p.roomID()
	if roomID == "" || evt.SenderID == 0 {
		return nil
	}
	return p.engine.matrix.SetTyping(ctx, roomID, p.engine.puppets.MXIDFor(evt.SenderID), true, 10000)
}

func (p *Portal) senderMXIDFor(ctx context.Context, senderID int64) string {
	if senderID == 0 {
		return p.engine.botMXID()
	}
	puppet, err := p.engine.puppets.Get(ctx, senderID)
	if err != nil {
		return p.engine.botMXID()
	}
	return puppet.MXID
}

// --- Matrix → Max ---

// HandleMatrixMessage bridges a room message downstream to Max. The ghost
// echo guard runs in the engine before this is called.
func (p *Portal) HandleMatrixMessage(ctx context.Context, user *User, evt *MatrixEvent) error {
	if user == nil || !user.IsConnected() {
		p.log.Debug("dropping matrix message, user not connected", "sender", evt.Sender)
		return nil
	}
	start := time.Now()

	relType, relEventID := parseRelation(evt.Content)

	// Edits replace the mapped Max message instead of sending a new one.
	if relType == "m.replace" && relEventID != "" {
		return p.handleMatrixEdit(ctx, user, evt, relEventID)
	}

	text, attachments, err := p.downstreamContent(ctx, user, evt)
	if err != nil {
		p.engine.metrics.IncrMessagesFailed()
		return err
	}
	if text == "" && len(attachments) == 0 {
		return nil
	}

	opts := &maxapi.SendOptions{Attachments: attachments}
	if relType == "m.in_reply_to" && relEventID != "" {
		if target, err := p.engine.db.Message.GetByMXID(ctx, relEventID); err == nil && target != nil {
			opts.ReplyTo = target.MaxMsgID
		}
	}

	sent, err := user.Client.SendMessage(ctx, p.ChatID, text, opts)
	if err != nil {
		p.engine.metrics.IncrMessagesFailed()
		return fmt.Errorf("send to max chat %d: %w", p.ChatID, err)
	}

	err = p.engine.db.Message.Insert(ctx, &database.Message{
		MaxChatID: p.ChatID,
		MaxMsgID:  sent.ID,
		MXID:      evt.ID,
		MXRoom:    evt.RoomID,
		Timestamp: sent.Timestamp,
	})
	if err != nil {
		return err
	}
	p.engine.metrics.IncrMatrixMessagesBridged()
	p.engine.metrics.ObserveMatrixToMaxLatency(time.Since(start))
	return nil
}

func (p *Portal) handleMatrixEdit(ctx context.Context, user *User, evt *MatrixEvent, targetEventID string) error {
	target, err := p.engine.db.Message.GetByMXID(ctx, targetEventID)
	if err != nil {
		return fmt.Errorf("look up edit target: %w", err)
	}
	if target == nil {
		p.log.Debug("matrix edit for unmapped event", "event_id", targetEventID)
		return nil
	}

	newText := ""
	if nc, ok := evt.Content["m.new_content"].(map[string]interface{}); ok {
		newText = p.engine.processor.MatrixToMax(nc)
	}
	if newText == "" {
		newText = strings.TrimPrefix(p.engine.processor.MatrixToMax(evt.Content), "* ")
	}
	return user.Client.EditMessage(ctx, target.MaxMsgID, newText)
}

// downstreamContent extracts text and uploads media for a Matrix event.
func (p *Portal) downstreamContent(ctx context.Context, user *User, evt *MatrixEvent) (string, []maxapi.OutboundAttachment, error) {
	msgtype, _ := evt.Content["msgtype"].(string)
	switch msgtype {
	case "m.image", "m.video", "m.audio", "m.file":
		mxc, _ := evt.Content["url"].(string)
		if mxc == "" {
			return "", nil, nil
		}
		data, err := p.engine.matrix.DownloadMedia(ctx, mxc)
		if err != nil {
			return "", nil, fmt.Errorf("download matrix media: %w", err)
		}
		fileName, _ := evt.Content["body"].(string)
		mimeType := mimeFromContent(evt.Content)
		if mimeType == "" {
			mimeType = maxapi.GuessMimeType(fileName)
		}
		if err := maxapi.CheckFileSize(int64(len(data)), mimeType); err != nil {
			return "", nil, err
		}
		token, err := user.Client.UploadMedia(ctx, data, fileName, mimeType)
		if err != nil {
			return "", nil, fmt.Errorf("upload media to max: %w", err)
		}
		att := maxapi.MakeAttachment(token, mimeType, fileName, user.row.ConnectionMode == "bot")
		p.engine.metrics.IncrMediaUploaded()
		return "", []maxapi.OutboundAttachment{att}, nil
	default:
		return p.engine.processor.MatrixToMax(evt.Content), nil, nil
	}
}

// HandleMatrixRedaction maps a redaction to a Max delete or a reaction
// removal, whichever the redacted event was.
func (p *Portal) HandleMatrixRedaction(ctx context.Context, user *User, evt *MatrixEvent) error {
	if user == nil || !user.IsConnected() || evt.Redacts == "" {
		return nil
	}

	if row, err := p.engine.db.Reaction.GetByMXID(ctx, evt.Redacts); err == nil && row != nil {
		if err := user.Client.RemoveReaction(ctx, row.MaxChatID, row.MaxMsgID); err != nil {
			return err
		}
		return p.engine.db.Reaction.DeleteByMXID(ctx, evt.Redacts)
	}

	target, err := p.engine.db.Message.GetByMXID(ctx, evt.Redacts)
	if err != nil {
		return fmt.Errorf("look up redaction target: %w", err)
	}
	if target == nil {
		p.log.Debug("redaction for unmapped event", "event_id", evt.Redacts)
		return nil
	}
	return user.Client.DeleteMessage(ctx, target.MaxMsgID)
}

// HandleMatrixReaction bridges an m.reaction annotation to Max.
func (p *Portal) HandleMatrixReaction(ctx context.Context, user *User, evt *MatrixEvent) error {
	if user == nil || !user.IsConnected() {
		return nil
	}
	rel, ok := evt.Content["m.relates_to"].(map[string]interface{})
	if !ok {
		return nil
	}
	relType, _ := rel["rel_type"].(string)
	targetEventID, _ := rel["event_id"].(string)
	emoji, _ := rel["key"].(string)
	if relType != "m.annotation" || targetEventID == "" || emoji == "" {
		return nil
	}

	target, err := p.engine.db.Message.GetByMXID(ctx, targetEventID)
	if err != nil || target == nil {
		return err
	}
	if err := user.Client.AddReaction(ctx, p.ChatID, target.MaxMsgID, emoji); err != nil {
		return err
	}
	return p.engine.db.Reaction.Upsert(ctx, &database.Reaction{
		MXID:        evt.ID,
		MaxChatID:   p.ChatID,
		MaxMsgID:    target.MaxMsgID,
		MaxSenderID: user.MaxUserID(),
		Reaction:    emoji,
	})
}

// HandleMatrixReadReceipt forwards a read receipt as a Max mark-read call.
func (p *Portal) HandleMatrixReadReceipt(ctx context.Context, user *User, eventID string) error {
	if user == nil || !user.IsConnected() {
		return nil
	}
	target, err := p.engine.db.Message.GetByMXID(ctx, eventID)
	if err != nil || target == nil {
		return err
	}
	return user.Client.MarkAsRead(ctx, p.ChatID, target.MaxMsgID)
}

func parseRelation(content map[string]interface{}) (relType, eventID string) {
	rel, ok := content["m.relates_to"].(map[string]interface{})
	if !ok {
		return "", ""
	}
	if inReply, ok := rel["m.in_reply_to"].(map[string]interface{}); ok {
		id, _ := inReply["event_id"].(string)
		return "m.in_reply_to", id
	}
	relType, _ = rel["rel_type"].(string)
	eventID, _ = rel["event_id"].(string)
	return relType, eventID
}

func mimeFromContent(content map[string]interface{}) string {
	info, ok := content["info"].(map[string]interface{})
	if !ok {
		return ""
	}
	mimeType, _ := info["mimetype"].(string)
	return mimeType
}
