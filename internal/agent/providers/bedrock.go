package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/agent/toolconv"
	"github.com/haasonsaas/flowgate/pkg/models"
)

const (
	defaultBedrockModel  = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	defaultBedrockRegion = "us-east-1"
)

// BedrockProvider implements agent.Provider for AWS Bedrock using the
// model-agnostic Converse API.
//
// Credentials come from Config when AccessKeyID and SecretAccessKey are set,
// otherwise from the default AWS chain (env, shared config, IAM role).
type BedrockProvider struct {
	BaseProvider
	client *bedrockruntime.Client
}

// NewBedrockProvider creates a Bedrock provider. optFns customize the
// runtime client, e.g. to point it at a test endpoint.
func NewBedrockProvider(cfg Config, optFns ...func(*bedrockruntime.Options)) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	opts := []func(*bedrockruntime.Options){
		func(o *bedrockruntime.Options) {
			// Failover across providers replaces SDK-level retries.
			o.Retryer = aws.NopRetryer{}
			if cfg.BaseURL != "" {
				o.BaseEndpoint = aws.String(cfg.BaseURL)
			}
		},
	}
	opts = append(opts, optFns...)

	return &BedrockProvider{
		BaseProvider: NewBaseProvider(models.ProviderBedrock, cfg, defaultBedrockModel),
		client:       bedrockruntime.NewFromConfig(awsCfg, opts...),
	}, nil
}

// Capabilities reports native tool use via the Converse API.
func (p *BedrockProvider) Capabilities() models.ProviderCapabilities {
	return models.ProviderCapabilities{StructuredToolCalls: true, Streaming: true}
}

// Complete sends a single Converse request.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	started := time.Now()
	model := p.model(req.Model)

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		inference := &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			maxTokens := min(req.MaxTokens, math.MaxInt32)
			// #nosec G115 -- bounded by min above
			inference.MaxTokens = aws.Int32(int32(maxTokens))
		}
		if req.Temperature != nil {
			inference.Temperature = aws.Float32(float32(*req.Temperature))
		}
		input.InferenceConfig = inference
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	resp, err := fromConverseOutput(out)
	if err != nil {
		return nil, p.wrap(model, err)
	}
	return p.finish(req, resp, model, started), nil
}

func convertBedrockMessages(messages []agent.CompletionMessage) []types.Message {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock

		if msg.Role == models.RoleTool {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		} else if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Input, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		if len(content) > 0 {
			result = append(result, types.Message{
				Role:    role,
				Content: content,
			})
		}
	}

	return result
}

func fromConverseOutput(out *bedrockruntime.ConverseOutput) (*agent.CompletionResponse, error) {
	if out == nil {
		return nil, errors.New("empty converse output")
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected converse output %T", out.Output)
	}

	resp := &agent.CompletionResponse{StopReason: string(out.StopReason)}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			input := json.RawMessage("{}")
			if b.Value.Input != nil {
				var decoded any
				if err := b.Value.Input.UnmarshalSmithyDocument(&decoded); err == nil && decoded != nil {
					if raw, err := json.Marshal(decoded); err == nil {
						input = raw
					}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: input,
			})
		}
	}
	resp.Content = text.String()

	if out.Usage != nil {
		resp.Usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.Usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	providerErr := NewProviderError(p.Name(), model, err)

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		providerErr = providerErr.WithStatus(respErr.HTTPStatusCode()).WithRequestID(respErr.ServiceRequestID())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
	}
	return providerErr
}
