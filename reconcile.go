package social

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Bridge folds push-delivered chat messages into the Store. Every inbound
// message — the echo of an own send included — lands through Apply, so the
// optimistic pending entry and the confirmed copy never coexist.
type Bridge struct {
	store     *Store
	transport *Transport
	log       *zap.Logger
}

// NewBridge wires the bridge between the push transport and the store.
func NewBridge(store *Store, transport *Transport, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{store: store, transport: transport, log: log}
}

// WatchConversation subscribes to a conversation's topic and routes its
// traffic through Apply. The returned cancel detaches exactly this watch.
func (b *Bridge) WatchConversation(convID string) (cancel func(), err error) {
	sub, err := b.transport.Subscribe("conversation."+convID, func(payload []byte) {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.log.Warn("undecodable push message",
				zap.String("conversationId", convID), zap.Error(err))
			return
		}
		if msg.ConversationID == "" {
			msg.ConversationID = convID
		}
		b.Apply(&msg)
	})
	if err != nil {
		return nil, err
	}
	return func() { b.transport.Unsubscribe(sub) }, nil
}

// Apply reconciles one inbound message. A cached entry matching by server id
// or by correlation token is replaced in place — confirming a pending send —
// otherwise the message appends. Either way the conversation moves to the
// front of the list with a fresh preview.
func (b *Bridge) Apply(msg *Message) {
	if key, found := b.store.FindMessage(msg.ConversationID, msg.ID, msg.ClientMessageID); found {
		b.store.ReplaceMessage(key, msg)
	} else {
		b.store.AppendMessage(msg)
	}
	b.store.TouchConversation(msg.ConversationID, msg.Content, msg.Timestamp)
}
