package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSMS      ChannelType = "sms"
	ChannelEmail    ChannelType = "email"
	ChannelWeb      ChannelType = "web"
	ChannelAPI      ChannelType = "api"
)

// Role indicates the turn author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// SegmentMetadataKey is the metadata key holding the sender's user segment.
const SegmentMetadataKey = "segment"

// IncomingMessage is a message received from a channel, normalized for routing.
// It is never modified after intake; helpers that need a variant return a copy.
type IncomingMessage struct {
	Channel           ChannelType       `json:"channel"`
	ChannelInstanceID string            `json:"channel_instance_id,omitempty"`
	SenderID          string            `json:"sender_id"`
	Content           string            `json:"content"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ConversationID    string            `json:"conversation_id,omitempty"`
	ReceivedAt        time.Time         `json:"received_at"`
}

// Segment returns the user segment carried in the message metadata.
func (m *IncomingMessage) Segment() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[SegmentMetadataKey]
}

// ConversationKey returns the key used to look up the conversation's session.
// An explicit conversation ID wins; otherwise the key is derived from the
// channel, instance and sender.
func (m *IncomingMessage) ConversationKey() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	key := string(m.Channel)
	if m.ChannelInstanceID != "" {
		key += ":" + m.ChannelInstanceID
	}
	return key + ":" + m.SenderID
}

// Clone returns a deep copy of the message.
func (m *IncomingMessage) Clone() *IncomingMessage {
	if m == nil {
		return nil
	}
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Params decodes the call input into a parameter map. Empty input yields an
// empty map.
func (c ToolCall) Params() (map[string]any, error) {
	params := map[string]any{}
	if len(c.Input) == 0 || string(c.Input) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(c.Input, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// Session represents a conversation thread owned by a context store.
type Session struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Channel   ChannelType       `json:"channel,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Turn is one entry in a session's ordered history.
type Turn struct {
	ID            string               `json:"id"`
	SessionID     string               `json:"session_id"`
	Role          Role                 `json:"role"`
	Content       string               `json:"content,omitempty"`
	ToolCalls     []ToolCall           `json:"tool_calls,omitempty"`
	ToolExecution *ToolExecutionRecord `json:"tool_execution,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}
