package providers

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/pkg/models"
)

func TestConvertBedrockMessages(t *testing.T) {
	messages := []agent.CompletionMessage{
		{Role: models.RoleSystem, Content: "skip"},
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "t1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)}}},
		{Role: models.RoleTool, ToolCallID: "t1", Content: "results"},
	}

	got := convertBedrockMessages(messages)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[1].Role != types.ConversationRoleAssistant {
		t.Errorf("role = %q", got[1].Role)
	}
	toolUse, ok := got[1].Content[0].(*types.ContentBlockMemberToolUse)
	if !ok || aws.ToString(toolUse.Value.Name) != "search" {
		t.Fatalf("expected tool use block, got %#v", got[1].Content[0])
	}
	result, ok := got[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok || aws.ToString(result.Value.ToolUseId) != "t1" {
		t.Fatalf("expected tool result block, got %#v", got[2].Content[0])
	}
	if got[2].Role != types.ConversationRoleUser {
		t.Errorf("tool results must be sent as user role, got %q", got[2].Role)
	}
}

func TestFromConverseOutput(t *testing.T) {
	out := &bedrockruntime.ConverseOutput{
		StopReason: types.StopReasonToolUse,
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "Searching."},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("t9"),
					Name:      aws.String("search"),
					Input:     document.NewLazyDocument(map[string]any{"q": "flowgate"}),
				}},
			},
		}},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(40), OutputTokens: aws.Int32(8)},
	}

	resp, err := fromConverseOutput(out)
	if err != nil {
		t.Fatalf("fromConverseOutput() error: %v", err)
	}
	if resp.Content != "Searching." || resp.StopReason != "tool_use" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "t9" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	var params map[string]string
	if err := json.Unmarshal(resp.ToolCalls[0].Input, &params); err != nil || params["q"] != "flowgate" {
		t.Errorf("input = %s", resp.ToolCalls[0].Input)
	}
	if resp.Usage.InputTokens != 40 || resp.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if _, err := fromConverseOutput(nil); err == nil {
		t.Error("expected error for nil output")
	}
}

func TestBedrockWrapError(t *testing.T) {
	p := &BedrockProvider{BaseProvider: NewBaseProvider(models.ProviderBedrock, Config{}, defaultBedrockModel)}

	tests := []struct {
		code string
		want FailoverReason
	}{
		{"ThrottlingException", FailoverRateLimit},
		{"AccessDeniedException", FailoverAuth},
		{"ValidationException", FailoverInvalidRequest},
		{"ModelTimeoutException", FailoverTimeout},
		{"ServiceUnavailableException", FailoverServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			apiErr := &smithy.GenericAPIError{Code: tt.code, Message: "boom"}
			err := p.wrapError(fmt.Errorf("operation error Bedrock Runtime: Converse, %w", apiErr), defaultBedrockModel)
			pe, ok := GetProviderError(err)
			if !ok {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if pe.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", pe.Reason, tt.want)
			}
			if pe.Provider != "bedrock" || pe.Code != tt.code {
				t.Errorf("provider=%q code=%q", pe.Provider, pe.Code)
			}
		})
	}
}
