package channel

import (
	"encoding/json"

	"github.com/wizzle/wizzled/internal/model"
)

// Wire envelope discriminators. Inbound and outbound frames share the shape
// {"type": "...", ...}.
const (
	typeIdentify      = "identify"
	typeMessage       = "message"
	typeDelivered     = "delivered"
	typeRead          = "read"
	typeChatUpdate    = "chat_update"
	typeDeleteMessage = "delete_message"
)

type identifyFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type messageFrame struct {
	Type    string        `json:"type"`
	Message model.Message `json:"message"`
}

type ackFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	To        string `json:"to,omitempty"`
}

type chatUpdateFrame struct {
	Type         string             `json:"type"`
	Conversation model.Conversation `json:"conversation"`
}

type deleteFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// Event is the closed set of events produced by the realtime channel. Each
// inbound frame decodes to exactly one variant; unrecognized frame types
// decode to Unknown with the raw payload preserved.
type Event interface {
	isChannelEvent()
}

// IncomingMessage carries a message delivered live over the channel.
type IncomingMessage struct {
	Message model.Message
}

// DeliveryAck reports that a recipient device received or read a message.
type DeliveryAck struct {
	MessageID string
	Status    model.Status
}

// ChatUpdated carries a refreshed conversation from the directory.
type ChatUpdated struct {
	Conversation model.Conversation
}

// MessageDeleted reports a remote message deletion.
type MessageDeleted struct {
	MessageID string
}

// Unknown preserves frames with unrecognized type tags for forward
// compatibility. They are logged and otherwise ignored.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (IncomingMessage) isChannelEvent() {}
func (DeliveryAck) isChannelEvent()     {}
func (ChatUpdated) isChannelEvent()     {}
func (MessageDeleted) isChannelEvent()  {}
func (Unknown) isChannelEvent()         {}

// decodeEvent parses an inbound frame discriminator-first and returns the
// matching Event variant. Only a malformed envelope (no parseable type tag)
// is an error; unknown tags are not.
func decodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case typeMessage:
		var f messageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return IncomingMessage{Message: f.Message}, nil
	case typeDelivered, typeRead:
		var f ackFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		status := model.StatusDelivered
		if head.Type == typeRead {
			status = model.StatusRead
		}
		return DeliveryAck{MessageID: f.MessageID, Status: status}, nil
	case typeChatUpdate:
		var f chatUpdateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return ChatUpdated{Conversation: f.Conversation}, nil
	case typeDeleteMessage:
		var f deleteFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return MessageDeleted{MessageID: f.MessageID}, nil
	default:
		return Unknown{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
