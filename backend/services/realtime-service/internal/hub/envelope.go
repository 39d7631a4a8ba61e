package hub

import (
	"fmt"
	"strings"
)

// Kind tags every published event.
type Kind string

const (
	KindEntityCreate Kind = "entity-create"
	KindEntityUpdate Kind = "entity-update"
	KindEntityDelete Kind = "entity-delete"
	KindPresence     Kind = "presence-change"
	KindNewMessage   Kind = "new-message"
)

const (
	EntityPresence    = "PRESENCE"
	EntityChatMessage = "CHAT_MESSAGE"
	EntityUser        = "USER"
)

// MessagesChannel is per user: frames on it only reach the recipients.
const MessagesChannel = "/user/queue/messages"

func UpdatesChannel(tenant string) string  { return "/topic/updates/" + tenant }
func PresenceChannel(tenant string) string { return "/topic/presence/" + tenant }

// TenantChannels are the destinations a subscriber of tenant may bind to.
func TenantChannels(tenant string) []string {
	return []string{UpdatesChannel(tenant), PresenceChannel(tenant), MessagesChannel}
}

func (k Kind) Channel(tenant string) string {
	switch k {
	case KindPresence:
		return PresenceChannel(tenant)
	case KindNewMessage:
		return MessagesChannel
	default:
		return UpdatesChannel(tenant)
	}
}

func (k Kind) Action() string {
	switch k {
	case KindEntityUpdate:
		return "UPDATE"
	case KindEntityDelete:
		return "DELETE"
	case KindPresence:
		return "PRESENCE"
	default:
		return "CREATE"
	}
}

func (k Kind) Valid() bool {
	switch k {
	case KindEntityCreate, KindEntityUpdate, KindEntityDelete, KindPresence, KindNewMessage:
		return true
	}
	return false
}

// EntityKind maps a CRUD action onto its entity kind.
func EntityKind(action string) (Kind, error) {
	switch strings.ToUpper(action) {
	case "CREATE":
		return KindEntityCreate, nil
	case "UPDATE":
		return KindEntityUpdate, nil
	case "DELETE":
		return KindEntityDelete, nil
	}
	return "", fmt.Errorf("unknown entity action %q", action)
}

// Envelope is the JSON frame pushed to clients.
type Envelope struct {
	Channel    string `json:"channel"`
	EntityType string `json:"entityType"`
	Action     string `json:"action"`
	Data       any    `json:"data"`
	Timestamp  string `json:"timestamp"`
	Seq        uint64 `json:"seq"`
}

// PresenceData is the payload of presence-change events.
type PresenceData struct {
	UserID    string `json:"userId"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

// Event is what outbound sinks and the relay receive.
type Event struct {
	Tenant     string   `json:"tenant"`
	Kind       Kind     `json:"kind"`
	Recipients []string `json:"recipients,omitempty"`
	Envelope   Envelope `json:"envelope"`
	Frame      []byte   `json:"-"`
}

// Relayed carries a frame between instances.
type Relayed struct {
	Origin     string   `json:"origin"`
	Tenant     string   `json:"tenant"`
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
	Frame      []byte   `json:"frame"`
}
