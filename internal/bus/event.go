package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted namespaces
// so subscribers can filter by prefix.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Kinds published by the sync engine. The channel.* kinds carry raw realtime
// traffic consumed by the sync coordinator; the conversation.* kinds are the
// observable surface consumed by the presentation layer.
const (
	KindChannelMessage = "channel.message"
	KindChannelAck     = "channel.ack"
	KindChannelChat    = "channel.chat_update"
	KindChannelDelete  = "channel.delete_message"
	KindChannelState   = "channel.state"

	KindMessages     = "conversation.messages"
	KindStatus       = "conversation.status"
	KindConvUpdated  = "conversation.updated"
	KindUnreadChange = "conversation.unread"
)
