// Package sync merges the encrypted cache, the authoritative backend, and
// live realtime traffic into one ordered message list per open conversation.
package sync

import (
	"context"
	"strings"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/wizzle/wizzled/internal/api"
	"github.com/wizzle/wizzled/internal/bus"
	"github.com/wizzle/wizzled/internal/channel"
	"github.com/wizzle/wizzled/internal/delivery"
	"github.com/wizzle/wizzled/internal/model"
	"github.com/wizzle/wizzled/internal/store"
)

// Realtime is the slice of the channel client the coordinator drives.
type Realtime interface {
	Connect(ctx context.Context, userID string) error
	Disconnect()
	SendMessage(m *model.Message)
	SendDeliveryStatus(messageID, to string, status model.Status)
	SendDeleteMessage(messageID string)
}

// MessagesUpdate is the payload of conversation.messages bus events: a full
// snapshot of the working list after a mutation.
type MessagesUpdate struct {
	ConversationID string
	Messages       []model.Message
}

// StatusUpdate is the payload of conversation.status bus events.
type StatusUpdate struct {
	MessageID string
	Status    model.Status
}

// UnreadChange is the payload of conversation.unread bus events.
type UnreadChange struct {
	ConversationID string
	Count          int
}

// Coordinator owns the working message list for one open conversation. The
// cache gives an instant local view, the backend fetch is authoritative over
// it, and channel events keep the list live afterwards. All list mutations
// go through one mutex so a receive and a send completion cannot interleave.
type Coordinator struct {
	conv    model.Conversation
	userID  string
	db      *store.DB
	cache   *store.EncryptedStore
	repo    api.MessageRepository
	rt      Realtime
	tracker *delivery.Tracker
	bus     *bus.Bus
	logger  *zap.Logger

	mu       stdsync.Mutex
	messages []model.Message
	closed   bool
	cancel   context.CancelFunc
}

func NewCoordinator(conv model.Conversation, userID string, db *store.DB, cache *store.EncryptedStore,
	repo api.MessageRepository, rt Realtime, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		conv:    conv,
		userID:  userID,
		db:      db,
		cache:   cache,
		repo:    repo,
		rt:      rt,
		tracker: delivery.NewTracker(),
		bus:     b,
		logger:  logger.With(zap.String("conversation_id", conv.ID)),
	}
}

// Open bootstraps the working list from the encrypted cache, connects the
// realtime channel, and kicks off the authoritative history fetch. The fetch
// result replaces the cached view entirely; if it lands after Close it is
// discarded.
func (c *Coordinator) Open(ctx context.Context) error {
	cached, err := c.cache.Load(c.conv.ID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.messages = cached
	for _, m := range cached {
		c.tracker.Observe(m.ID, m.Status)
	}
	c.publishMessagesLocked()
	c.mu.Unlock()

	if err := c.rt.Connect(ctx, c.userID); err != nil {
		// The cache view still works; the channel keeps retrying on its own
		// once a later connect succeeds.
		c.logger.Warn("realtime connect failed", zap.Error(err))
	}

	events, unsub := c.bus.Subscribe("channel.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-events:
				c.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	go c.fetch(ctx, cached)

	c.clearUnread()
	return nil
}

// fetch pulls the authoritative history and swaps it in. The fetch replaces
// what was known when Open started: cached rows absent from the result are
// evicted, while messages that arrived live after Open are kept — the fetch
// predates them and must not wipe them out. The working list is only touched
// under the mutex, and ack targets are collected there too so nothing reads
// the list after it is released.
func (c *Coordinator) fetch(ctx context.Context, cached []model.Message) {
	fetched, err := c.repo.FetchMessages(ctx, c.conv.ID)
	if err != nil {
		c.logger.Warn("history fetch failed, keeping cached view", zap.Error(err))
		return
	}

	cachedIDs := make(map[string]struct{}, len(cached))
	for _, m := range cached {
		cachedIDs[m.ID] = struct{}{}
	}

	type readAck struct{ id, sender string }
	var acks []readAck

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	keep := make(map[string]struct{}, len(fetched))
	next := make([]model.Message, 0, len(fetched)+len(c.messages))
	next = append(next, fetched...)
	for i := range next {
		m := &next[i]
		keep[m.ID] = struct{}{}
		c.tracker.Observe(m.ID, m.Status)
		if err := c.cache.Save(m); err != nil {
			c.logger.Error("cache write failed", zap.Error(err), zap.String("msg_id", m.ID))
		}
		// The conversation is on screen, so everything from others counts
		// as read.
		if m.SenderID != c.userID && m.Status != model.StatusRead {
			acks = append(acks, readAck{id: m.ID, sender: m.SenderID})
		}
	}
	for _, m := range c.messages {
		if _, inFetch := keep[m.ID]; inFetch {
			continue
		}
		if _, wasCached := cachedIDs[m.ID]; wasCached {
			continue
		}
		// Arrived through the channel while the fetch was in flight.
		next = append(next, m)
	}
	c.messages = next
	for _, old := range cached {
		if _, ok := keep[old.ID]; ok {
			continue
		}
		c.tracker.Forget(old.ID)
		if err := c.cache.Delete(old.ID); err != nil {
			c.logger.Error("cache evict failed", zap.Error(err), zap.String("msg_id", old.ID))
		}
	}
	c.publishMessagesLocked()
	c.mu.Unlock()

	for _, a := range acks {
		c.rt.SendDeliveryStatus(a.id, a.sender, model.StatusRead)
	}
}

func (c *Coordinator) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindChannelMessage:
		if p, ok := evt.Payload.(channel.IncomingMessage); ok {
			c.OnIncoming(p.Message)
		}
	case bus.KindChannelAck:
		if p, ok := evt.Payload.(channel.DeliveryAck); ok {
			c.OnDeliveryAck(p.MessageID, p.Status)
		}
	case bus.KindChannelChat:
		if p, ok := evt.Payload.(channel.ChatUpdated); ok {
			c.OnChatUpdated(p.Conversation)
		}
	case bus.KindChannelDelete:
		if p, ok := evt.Payload.(channel.MessageDeleted); ok {
			c.OnDeleted(p.MessageID)
		}
	}
}

// OnIncoming appends a live message to the working list, replacing in place
// when the id is already present. Messages for other conversations are not
// this coordinator's business.
func (c *Coordinator) OnIncoming(m model.Message) {
	if m.ConversationID != c.conv.ID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.upsertLocked(m)
	c.tracker.Observe(m.ID, m.Status)
	if err := c.cache.Save(&m); err != nil {
		c.logger.Error("cache write failed", zap.Error(err), zap.String("msg_id", m.ID))
	}
	c.publishMessagesLocked()
	c.mu.Unlock()

	c.rt.SendDeliveryStatus(m.ID, m.SenderID, model.StatusDelivered)
	if m.SenderID != c.userID {
		c.rt.SendDeliveryStatus(m.ID, m.SenderID, model.StatusRead)
	}
}

// OnDeliveryAck advances a message's delivery status. Unknown ids and
// regressing acks are dropped by the tracker's transition rule.
func (c *Coordinator) OnDeliveryAck(messageID string, status model.Status) {
	res, known := c.tracker.Apply(messageID, status)
	if !known {
		c.logger.Debug("ack for unknown message ignored", zap.String("msg_id", messageID))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for i := range c.messages {
		if c.messages[i].ID != messageID {
			continue
		}
		if c.messages[i].Status == res {
			return
		}
		c.messages[i].Status = res
		if err := c.cache.Save(&c.messages[i]); err != nil {
			c.logger.Error("cache write failed", zap.Error(err), zap.String("msg_id", messageID))
		}
		c.bus.Publish(bus.Event{
			Kind:    bus.KindStatus,
			Payload: StatusUpdate{MessageID: messageID, Status: res},
		})
		c.publishMessagesLocked()
		return
	}
}

// OnDeleted drops a remotely deleted message from the list and the cache.
func (c *Coordinator) OnDeleted(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for i := range c.messages {
		if c.messages[i].ID != messageID {
			continue
		}
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		c.tracker.Forget(messageID)
		if err := c.cache.Delete(messageID); err != nil {
			c.logger.Error("cache delete failed", zap.Error(err), zap.String("msg_id", messageID))
		}
		c.publishMessagesLocked()
		return
	}
}

// OnChatUpdated refreshes the conversation metadata from the directory and
// re-broadcasts it for the list view.
func (c *Coordinator) OnChatUpdated(conv model.Conversation) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if conv.ID == c.conv.ID {
		conv.UnreadCount = c.conv.UnreadCount
		c.conv = conv
	}
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: bus.KindConvUpdated, Payload: conv})
}

// Send posts the message through the backend and only then makes it visible
// locally, so a rejected send never shows up in the list. Empty or
// whitespace-only content is silently ignored.
func (c *Coordinator) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sent, err := c.repo.SendMessage(ctx, c.conv.ID, c.userID, text)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.upsertLocked(*sent)
	c.tracker.Observe(sent.ID, sent.Status)
	if err := c.cache.Save(sent); err != nil {
		c.logger.Error("cache write failed", zap.Error(err), zap.String("msg_id", sent.ID))
	}
	c.publishMessagesLocked()
	c.mu.Unlock()

	c.rt.SendMessage(sent)
	return nil
}

// Delete removes a message everywhere: backend listeners via the channel,
// the working list, and the cache.
func (c *Coordinator) Delete(messageID string) {
	c.rt.SendDeleteMessage(messageID)
	c.OnDeleted(messageID)
}

// Messages returns a snapshot of the working list.
func (c *Coordinator) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Conversation returns the current conversation metadata.
func (c *Coordinator) Conversation() model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Close tears down the channel and the event loop. The working list is kept
// so a reopen can show it from cache before a fresh fetch lands; a fetch
// that resolves after Close is discarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.rt.Disconnect()
}

func (c *Coordinator) upsertLocked(m model.Message) {
	for i := range c.messages {
		if c.messages[i].ID == m.ID {
			c.messages[i] = m
			return
		}
	}
	c.messages = append(c.messages, m)
}

func (c *Coordinator) publishMessagesLocked() {
	snapshot := make([]model.Message, len(c.messages))
	copy(snapshot, c.messages)
	c.bus.Publish(bus.Event{
		Kind:    bus.KindMessages,
		Payload: MessagesUpdate{ConversationID: c.conv.ID, Messages: snapshot},
	})
}

func (c *Coordinator) clearUnread() {
	if err := c.db.ClearUnread(c.conv.ID); err != nil {
		c.logger.Error("clear unread failed", zap.Error(err))
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChange,
		Timestamp: time.Now(),
		Payload:   UnreadChange{ConversationID: c.conv.ID, Count: 0},
	})
}
