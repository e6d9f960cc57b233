package daemon

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/wizzle/wizzled/internal/api"
	"github.com/wizzle/wizzled/internal/apperr"
	"github.com/wizzle/wizzled/internal/bus"
	"github.com/wizzle/wizzled/internal/channel"
	"github.com/wizzle/wizzled/internal/model"
	"github.com/wizzle/wizzled/internal/secrets"
	"github.com/wizzle/wizzled/internal/store"
	intsync "github.com/wizzle/wizzled/internal/sync"
)

// Manager runs the session: it keeps the realtime channel alive in the
// background, tracks unread counts for conversations that are not on
// screen, and hands out one sync coordinator for the conversation the user
// currently has open.
type Manager struct {
	db     *store.DB
	cache  *store.EncryptedStore
	keys   *secrets.KeyProvider
	creds  *secrets.SessionCredentials
	repo   api.MessageRepository
	dir    api.ChatDirectory
	rt     intsync.Realtime
	bus    *bus.Bus
	logger *zap.Logger

	mu     stdsync.Mutex
	active *intsync.Coordinator
	cancel context.CancelFunc
}

func NewManager(db *store.DB, cache *store.EncryptedStore, keys *secrets.KeyProvider,
	creds *secrets.SessionCredentials, repo api.MessageRepository, dir api.ChatDirectory,
	rt intsync.Realtime, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:     db,
		cache:  cache,
		keys:   keys,
		creds:  creds,
		repo:   repo,
		dir:    dir,
		rt:     rt,
		bus:    b,
		logger: logger,
	}
}

// Start connects the channel for the stored session (if any) and begins
// watching realtime traffic for conversations that are not open, so their
// unread counts and caches stay current.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if userID := m.creds.UserID(); userID != "" {
		if err := m.rt.Connect(ctx, userID); err != nil {
			m.logger.Warn("realtime connect failed on start", zap.Error(err))
		}
	} else {
		m.logger.Info("no stored session, auth required")
	}

	events, unsub := m.bus.Subscribe("channel.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-events:
				m.handleBackground(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop closes the open conversation (if any) and tears down the channel.
func (m *Manager) Stop() {
	m.mu.Lock()
	active := m.active
	m.active = nil
	cancel := m.cancel
	m.mu.Unlock()

	if active != nil {
		active.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.rt.Disconnect()
}

// OpenConversation closes the previously open conversation and opens conv.
// One conversation is on screen at a time.
func (m *Manager) OpenConversation(ctx context.Context, conv model.Conversation) (*intsync.Coordinator, error) {
	userID := m.creds.UserID()
	if userID == "" {
		return nil, fmt.Errorf("no active session: %w", apperr.ErrUnauthorized)
	}

	m.mu.Lock()
	prev := m.active
	m.active = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	coord := intsync.NewCoordinator(conv, userID, m.db, m.cache, m.repo, m.rt, m.bus, m.logger)
	if err := coord.Open(ctx); err != nil {
		// Closing the previous coordinator dropped the channel; restore it
		// for background traffic.
		m.reconnect(ctx, userID)
		return nil, err
	}

	m.mu.Lock()
	m.active = coord
	m.mu.Unlock()
	return coord, nil
}

// CloseConversation closes the open conversation. The channel is brought
// back up afterwards so background unread tracking keeps working.
func (m *Manager) CloseConversation(ctx context.Context) {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()
	if active == nil {
		return
	}
	active.Close()
	if userID := m.creds.UserID(); userID != "" {
		m.reconnect(ctx, userID)
	}
}

// Conversations lists the directory with local unread counts merged in,
// newest activity first.
func (m *Manager) Conversations(ctx context.Context) ([]model.Conversation, error) {
	convs, err := m.dir.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	unread, err := m.db.AllUnread()
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].UnreadCount = unread[convs[i].ID]
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// CreateConversation registers a new conversation with the directory.
func (m *Manager) CreateConversation(ctx context.Context, memberIDs []string, title string) (*model.Conversation, error) {
	return m.dir.CreateConversation(ctx, memberIDs, title)
}

// DeleteConversation removes the conversation from the directory and drops
// its local traces: cached ciphertext and unread count.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	if err := m.dir.DeleteConversation(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active != nil && active.Conversation().ID == id {
		m.CloseConversation(ctx)
	}

	if err := m.cache.DeleteConversation(id); err != nil {
		return err
	}
	return m.db.ClearUnread(id)
}

// Wipe clears all local state for a full logout: the channel, every cached
// message, unread counts, the encryption key, and the stored session. Old
// ciphertext written under the discarded key would be inert anyway; it is
// removed rather than orphaned.
func (m *Manager) Wipe() error {
	m.Stop()
	if err := m.cache.DeleteAll(); err != nil {
		return err
	}
	if err := m.db.ClearAllUnread(); err != nil {
		return err
	}
	if err := m.keys.ResetKey(); err != nil {
		return err
	}
	return m.creds.Clear()
}

// handleBackground keeps not-open conversations current: their caches get
// the message, their unread counts go up, and the sender gets a delivered
// ack. The open conversation's coordinator handles its own traffic.
func (m *Manager) handleBackground(evt bus.Event) {
	switch evt.Kind {
	case bus.KindChannelMessage:
		p, ok := evt.Payload.(channel.IncomingMessage)
		if !ok || m.isActiveConversation(p.Message.ConversationID) {
			return
		}
		msg := p.Message
		if err := m.cache.Save(&msg); err != nil {
			m.logger.Error("background cache write failed", zap.Error(err), zap.String("msg_id", msg.ID))
			return
		}
		count, err := m.db.IncrementUnread(msg.ConversationID)
		if err != nil {
			m.logger.Error("unread increment failed", zap.Error(err), zap.String("conversation_id", msg.ConversationID))
			return
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindUnreadChange,
			Timestamp: time.Now(),
			Payload:   intsync.UnreadChange{ConversationID: msg.ConversationID, Count: count},
		})
		m.rt.SendDeliveryStatus(msg.ID, msg.SenderID, model.StatusDelivered)

	case bus.KindChannelDelete:
		p, ok := evt.Payload.(channel.MessageDeleted)
		if !ok {
			return
		}
		// Harmless for the open conversation: its coordinator already
		// removed the row, and the cache delete is idempotent.
		if err := m.cache.Delete(p.MessageID); err != nil {
			m.logger.Error("background cache delete failed", zap.Error(err), zap.String("msg_id", p.MessageID))
		}

	case bus.KindChannelChat:
		p, ok := evt.Payload.(channel.ChatUpdated)
		if !ok || m.isActiveConversation(p.Conversation.ID) {
			return
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConvUpdated,
			Timestamp: time.Now(),
			Payload:   p.Conversation,
		})
	}
}

func (m *Manager) isActiveConversation(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.Conversation().ID == id
}

func (m *Manager) reconnect(ctx context.Context, userID string) {
	if err := m.rt.Connect(ctx, userID); err != nil {
		m.logger.Warn("realtime reconnect failed", zap.Error(err))
	}
}
