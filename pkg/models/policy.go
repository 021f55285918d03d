package models

// RoutingMode identifies which router produced a decision.
type RoutingMode string

const (
	RoutingModeDynamic RoutingMode = "dynamic"
	RoutingModeStatic  RoutingMode = "static"
)

// TimeWindow is an inclusive time-of-day range in "HH:MM" form. A window whose
// end is earlier than its start wraps midnight.
type TimeWindow struct {
	Start string `json:"start" yaml:"start" jsonschema:"pattern=^([01]?[0-9]|2[0-3]):[0-5][0-9]$"`
	End   string `json:"end" yaml:"end" jsonschema:"pattern=^([01]?[0-9]|2[0-3]):[0-5][0-9]$"`
}

// ConditionSet is a conjunction of optional predicates. A zero value matches
// every message.
type ConditionSet struct {
	Channels   []ChannelType  `json:"channels,omitempty" yaml:"channels,omitempty"`
	Senders    []string       `json:"senders,omitempty" yaml:"senders,omitempty"`
	Segment    string         `json:"segment,omitempty" yaml:"segment,omitempty"`
	Pattern    string         `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	TimeWindow *TimeWindow    `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	Custom     map[string]any `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// IsEmpty reports whether no predicate is set.
func (c ConditionSet) IsEmpty() bool {
	return len(c.Channels) == 0 && len(c.Senders) == 0 && c.Segment == "" &&
		c.Pattern == "" && c.TimeWindow == nil && len(c.Custom) == 0
}

// GenerationParams are the free-form completion parameters of a policy.
type GenerationParams struct {
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// RoutingPolicy (a "flow") binds a condition set to a provider, model and tool
// allow-list. Priority is a rank: lower values are evaluated first.
type RoutingPolicy struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name,omitempty" yaml:"name,omitempty"`
	Channel           ChannelType      `json:"channel,omitempty" yaml:"channel,omitempty"`
	ChannelInstanceID string           `json:"channel_instance_id,omitempty" yaml:"channel_instance_id,omitempty"`
	Provider          string           `json:"provider" yaml:"provider"`
	Model             string           `json:"model,omitempty" yaml:"model,omitempty"`
	Conditions        ConditionSet     `json:"conditions" yaml:"conditions"`
	Priority          int              `json:"priority" yaml:"priority"`
	EnabledTools      *[]string        `json:"enabled_tools,omitempty" yaml:"enabled_tools,omitempty"`
	Params            GenerationParams `json:"params" yaml:"params"`
	Active            bool             `json:"active" yaml:"active"`
}

// RoutingDecision is the outcome of routing one message. It is built fresh
// for each message and must not be modified afterwards.
type RoutingDecision struct {
	Policy        *RoutingPolicy   `json:"policy,omitempty"`
	Provider      string           `json:"provider"`
	Model         string           `json:"model,omitempty"`
	Params        GenerationParams `json:"params"`
	ToolAllowList *[]string        `json:"tool_allow_list,omitempty"`
	Matched       bool             `json:"matched"`
	Mode          RoutingMode      `json:"mode"`
	RuleName      string           `json:"rule_name,omitempty"`
}

// PolicyID returns the selected policy's ID, or the static rule name.
func (d *RoutingDecision) PolicyID() string {
	if d == nil {
		return ""
	}
	if d.Policy != nil {
		return d.Policy.ID
	}
	return d.RuleName
}

// ToolAllowed reports whether the decision permits the named tool.
// A nil allow-list means unrestricted; an empty list permits nothing.
func (d *RoutingDecision) ToolAllowed(name string) bool {
	if d == nil || d.ToolAllowList == nil {
		return true
	}
	for _, allowed := range *d.ToolAllowList {
		if allowed == name {
			return true
		}
	}
	return false
}

// ToolsDisabled reports whether the allow-list is present and empty.
func (d *RoutingDecision) ToolsDisabled() bool {
	return d != nil && d.ToolAllowList != nil && len(*d.ToolAllowList) == 0
}

// CopyAllowList returns an independent copy of an allow-list pointer.
func CopyAllowList(list *[]string) *[]string {
	if list == nil {
		return nil
	}
	out := make([]string, len(*list))
	copy(out, *list)
	return &out
}
