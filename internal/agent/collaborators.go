package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// ContextStore owns conversation history. Implementations serialize writes
// per session; the pipeline never holds its own locks around them.
type ContextStore interface {
	// GetOrCreate returns the session for a conversation key, creating it on
	// first use.
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)

	// AppendTurn appends a message turn to the session's history.
	AppendTurn(ctx context.Context, session *models.Session, role models.Role, content string, toolCalls []models.ToolCall) error

	// AppendToolExecution appends a tool execution record to the history.
	AppendToolExecution(ctx context.Context, session *models.Session, record models.ToolExecutionRecord) error

	// History returns the session's turns, oldest first.
	History(ctx context.Context, session *models.Session) ([]models.Turn, error)

	// FormatForPrompt renders turns as prompt text.
	FormatForPrompt(turns []models.Turn) string
}

// ToolExecContext identifies the conversation a tool call runs for.
type ToolExecContext struct {
	Session        *models.Session
	ConversationID string
	Channel        models.ChannelType
	SenderID       string
	RequestID      string
	CallID         string

	// Decision limits which tools may run. Nil permits all.
	Decision *models.RoutingDecision
}

// ToolRegistry lists and executes tools. The tool implementations themselves
// live outside this package.
type ToolRegistry interface {
	// ListAvailable returns the tools offered on a channel.
	ListAvailable(ctx context.Context, channel models.ChannelType) ([]ToolDefinition, error)

	// Execute runs a tool and returns its textual result.
	Execute(ctx context.Context, name string, params json.RawMessage, execCtx ToolExecContext) (string, error)
}
