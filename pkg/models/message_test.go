package models

import (
	"encoding/json"
	"testing"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestIncomingMessage_ConversationKey(t *testing.T) {
	tests := []struct {
		name string
		msg  IncomingMessage
		want string
	}{
		{
			name: "explicit conversation",
			msg:  IncomingMessage{Channel: ChannelSlack, SenderID: "u1", ConversationID: "conv-9"},
			want: "conv-9",
		},
		{
			name: "derived without instance",
			msg:  IncomingMessage{Channel: ChannelSlack, SenderID: "u1"},
			want: "slack:u1",
		},
		{
			name: "derived with instance",
			msg:  IncomingMessage{Channel: ChannelSlack, ChannelInstanceID: "ws-2", SenderID: "u1"},
			want: "slack:ws-2:u1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.ConversationKey(); got != tt.want {
				t.Errorf("ConversationKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIncomingMessage_CloneIsIndependent(t *testing.T) {
	orig := &IncomingMessage{
		Channel:  ChannelAPI,
		Content:  "hi",
		Metadata: map[string]string{"segment": "vip"},
	}
	clone := orig.Clone()
	clone.Metadata["segment"] = "free"

	if orig.Segment() != "vip" {
		t.Errorf("original segment changed to %q", orig.Segment())
	}
	if clone.Segment() != "free" {
		t.Errorf("clone segment = %q, want free", clone.Segment())
	}

	var nilMsg *IncomingMessage
	if nilMsg.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
	if nilMsg.Segment() != "" {
		t.Error("Segment of nil should be empty")
	}
}

func TestToolCall_Params(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "lookup", Input: json.RawMessage(`{"order":"A-1","qty":2}`)}
	params, err := call.Params()
	if err != nil {
		t.Fatalf("Params() error = %v", err)
	}
	if params["order"] != "A-1" {
		t.Errorf("order = %v", params["order"])
	}

	empty, err := ToolCall{Name: "noop"}.Params()
	if err != nil || len(empty) != 0 {
		t.Errorf("empty input: params=%v err=%v", empty, err)
	}

	if _, err := (ToolCall{Input: json.RawMessage(`[1,2]`)}).Params(); err == nil {
		t.Error("expected error for non-object input")
	}
}

func TestToolExecutionRecord_Outcome(t *testing.T) {
	ok := ToolExecutionRecord{Status: ToolStatusSuccess, Result: "42"}
	failed := ToolExecutionRecord{Status: ToolStatusFailed, Error: "boom"}

	if ok.Outcome() != "42" || !ok.Succeeded() {
		t.Errorf("success record outcome = %q", ok.Outcome())
	}
	if failed.Outcome() != "boom" || failed.Succeeded() {
		t.Errorf("failed record outcome = %q", failed.Outcome())
	}
}
