package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("wire: malformed frame")
	ErrMissingType = errors.New("wire: frame has no type")
	ErrUnknownType = errors.New("wire: unknown event type")
)

// legacyAliases maps pre-namespacing event names onto their canonical
// forms. Aliased frames decode exactly like their canonical twin.
var legacyAliases = map[string]string{
	"send_message":   EventChatSendMessage,
	"edit_message":   EventChatEditMessage,
	"delete_message": EventChatDeleteMessage,
	"typing":         EventChatTyping,
	"collab_update":  EventChatCollabUpdate,
	"cursor_update":  EventChatCursorUpdate,
	"huddle_join":    EventHuddleJoin,
	"huddle_leave":   EventHuddleLeave,
	"huddle_signal":  EventHuddleSignal,
}

// knownEvents is the set of canonical client event types the gateway
// dispatches on. Anything outside this table is rejected before it
// reaches a handler.
var knownEvents = map[string]struct{}{
	EventAuth:              {},
	EventPing:              {},
	EventPresenceHeartbeat: {},
	EventGlobalRefresh:     {},
	EventChatSubscribe:     {},
	EventChatUnsubscribe:   {},
	EventChatSendMessage:   {},
	EventChatEditMessage:   {},
	EventChatDeleteMessage: {},
	EventChatMarkRead:      {},
	EventChatTyping:        {},
	EventChatCollabUpdate:  {},
	EventChatCursorUpdate:  {},
	EventHuddleJoin:        {},
	EventHuddleLeave:       {},
	EventHuddleSignal:      {},
	EventSFUPublish:        {},
	EventSFUSubscribe:      {},
	EventSFURenegotiate:    {},
}

// Event is a decoded client frame: the canonical type plus the raw body,
// from which handlers unmarshal their own payload struct.
type Event struct {
	Type   string
	Legacy bool
	Raw    json.RawMessage
}

// Payload unmarshals the frame body into dst.
func (e Event) Payload(dst any) error {
	if err := json.Unmarshal(e.Raw, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Decode parses a raw client frame, rewrites legacy aliases and rejects
// unknown event types.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{Type: head.Type, Raw: data}
	if canonical, ok := legacyAliases[head.Type]; ok {
		ev.Type = canonical
		ev.Legacy = true
	}
	if _, ok := knownEvents[ev.Type]; !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	return ev, nil
}
