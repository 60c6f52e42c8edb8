package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

const (
	// Reasoning effort levels
	reasoningNone    = "none"
	reasoningMinimal = "minimal"
	reasoningLow     = "low"
	reasoningMedium  = "medium"
	reasoningHigh    = "high"
	reasoningMin     = "min"
	reasoningMed     = "med"

	// Provider name
	providerNameOpenAI = "openai"

	functionCallType = "function_call"
	emptyArguments   = "{}"

	// Logging limits
	maxArgsLogLength = 100
)

// modelsWithReasoning lists models that accept the reasoning parameter.
// Models like gpt-4.1-mini reject it.
var modelsWithReasoning = map[string]bool{
	"gpt-5":        true,
	"gpt-5-mini":   true,
	"gpt-5-nano":   true,
	"gpt-5.1":      true,
	"gpt-5.1-mini": true,
	"gpt-5.2":      true,
	"gpt-5.2-mini": true,
}

// OpenAIProvider implements the Provider interface using OpenAI's Responses API
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string, opts ...option.RequestOption) *OpenAIProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIProvider{
		client: &client,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return providerNameOpenAI
}

// Generate runs a structured-output call using OpenAI's Responses API
func (p *OpenAIProvider) Generate(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()
	log.Printf("🧠 OPENAI GENERATION REQUEST STARTED (Model: %s)", request.Model)

	transaction := sentry.StartTransaction(ctx, "openai.generate")
	defer transaction.Finish()

	transaction.SetTag("model", request.Model)
	transaction.SetTag("provider", providerNameOpenAI)

	params := p.baseParams(request.Model, request.SystemPrompt, request.ReasoningMode, request.Messages)
	if request.OutputSchema != nil {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigParamOfJSONSchema(
				request.OutputSchema.Name,
				request.OutputSchema.Schema,
			),
		}
		log.Printf("📋 JSON SCHEMA CONFIGURED: %s", request.OutputSchema.Name)
	}

	span := transaction.StartChild("openai.api_call")
	resp, err := p.client.Responses.New(transaction.Context(), params)
	span.Finish()

	if err != nil {
		log.Printf("❌ OPENAI REQUEST FAILED after %v: %v", time.Since(startTime), err)
		transaction.SetTag("success", "false")
		sentry.CaptureException(err)
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	textOutput := strings.TrimSpace(resp.OutputText())
	usage := usageFromOpenAI(resp.Usage)
	logUsageStats(providerNameOpenAI, usage)

	if textOutput == "" {
		transaction.SetTag("success", "false")
		return nil, fmt.Errorf("openai response did not include any output text")
	}

	transaction.SetTag("success", "true")
	log.Printf("✅ OPENAI GENERATION COMPLETED in %v (output_length=%d)", time.Since(startTime), len(textOutput))

	return &GenerationResponse{
		RawOutput: textOutput,
		Usage:     usage,
	}, nil
}

// Step runs one tool-calling turn. Tool calls are requested sequentially.
func (p *OpenAIProvider) Step(ctx context.Context, request *StepRequest) (*StepResponse, error) {
	startTime := time.Now()

	transaction := sentry.StartTransaction(ctx, "openai.step")
	defer transaction.Finish()

	transaction.SetTag("model", request.Model)
	transaction.SetTag("provider", providerNameOpenAI)
	transaction.SetTag("tools", fmt.Sprintf("%d", len(request.Tools)))

	params := p.baseParams(request.Model, request.SystemPrompt, request.ReasoningMode, request.Messages)
	if len(request.Tools) > 0 {
		params.Tools = buildOpenAITools(request.Tools)
	}

	span := transaction.StartChild("openai.api_call")
	resp, err := p.client.Responses.New(transaction.Context(), params)
	span.Finish()

	if err != nil {
		log.Printf("❌ OPENAI STEP FAILED after %v: %v", time.Since(startTime), err)
		transaction.SetTag("success", "false")
		sentry.CaptureException(err)
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	message := Message{
		Role:    RoleAssistant,
		Content: strings.TrimSpace(resp.OutputText()),
	}
	for _, item := range resp.Output {
		if item.Type != functionCallType {
			continue
		}
		call := item.AsFunctionCall()
		args := call.Arguments
		if strings.TrimSpace(args) == "" {
			args = emptyArguments
		}
		log.Printf("🛠️  OPENAI TOOL CALL: %s %s", call.Name, truncate(args, maxArgsLogLength))
		message.ToolCalls = append(message.ToolCalls, ToolCall{
			ID:        call.CallID,
			Name:      call.Name,
			Arguments: json.RawMessage(args),
		})
	}

	usage := usageFromOpenAI(resp.Usage)
	logUsageStats(providerNameOpenAI, usage)
	transaction.SetTag("success", "true")
	log.Printf("⏱️  OPENAI STEP COMPLETED in %v (tool_calls=%d, text=%d chars)",
		time.Since(startTime), len(message.ToolCalls), len(message.Content))

	return &StepResponse{Message: message, Usage: usage}, nil
}

// baseParams converts shared request fields to OpenAI ResponseNewParams
func (p *OpenAIProvider) baseParams(model, systemPrompt, reasoningMode string, messages []Message) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: buildOpenAIInput(messages),
		},
		Instructions:      openai.String(systemPrompt),
		ParallelToolCalls: openai.Bool(false),
	}

	if modelsWithReasoning[model] {
		params.Reasoning = shared.ReasoningParam{
			Effort: reasoningEffort(reasoningMode),
		}
	}
	return params
}

// reasoningEffort maps our reasoning mode names to OpenAI effort levels
func reasoningEffort(mode string) shared.ReasoningEffort {
	switch mode {
	case reasoningNone, reasoningMinimal, reasoningMin:
		return shared.ReasoningEffort(reasoningMinimal)
	case reasoningMedium, reasoningMed:
		return responses.ReasoningEffortMedium
	case reasoningHigh:
		return responses.ReasoningEffortHigh
	default:
		return responses.ReasoningEffortLow
	}
}

// buildOpenAIInput converts provider-neutral messages to Responses API input items
func buildOpenAIInput(messages []Message) responses.ResponseInputParam {
	items := responses.ResponseInputParam{}

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if len(msg.Images) == 0 {
				items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
				continue
			}
			content := responses.ResponseInputMessageContentListParam{}
			for _, url := range msg.Images {
				content = append(content, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{
						Detail:   responses.ResponseInputImageDetailAuto,
						ImageURL: openai.String(url),
					},
				})
			}
			if msg.Content != "" {
				content = append(content, responses.ResponseInputContentParamOfInputText(msg.Content))
			}
			items = append(items, responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRoleUser))

		case RoleAssistant:
			if msg.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				args := string(call.Arguments)
				if strings.TrimSpace(args) == "" {
					args = emptyArguments
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(args, call.ID, call.Name))
			}

		case RoleTool:
			if msg.ToolResult == nil {
				continue
			}
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(
				msg.ToolResult.CallID,
				string(msg.ToolResult.Content),
			))

		default:
			log.Printf("⚠️  Skipping message with unknown role %q", msg.Role)
		}
	}

	return items
}

// buildOpenAITools converts tool definitions to function tools
func buildOpenAITools(tools []ToolDefinition) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		param := responses.ToolParamOfFunction(tool.Name, tool.Parameters, false)
		if param.OfFunction != nil && tool.Description != "" {
			param.OfFunction.Description = openai.String(tool.Description)
		}
		out = append(out, param)
	}
	return out
}

func usageFromOpenAI(usage responses.ResponseUsage) Usage {
	return Usage{
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		ReasoningTokens: usage.OutputTokensDetails.ReasoningTokens,
		TotalTokens:     usage.TotalTokens,
	}
}

// logUsageStats logs token usage statistics
func logUsageStats(provider string, usage Usage) {
	log.Printf("📊 %s USAGE: input=%d, output=%d, reasoning=%d, total=%d",
		strings.ToUpper(provider), usage.InputTokens, usage.OutputTokens,
		usage.ReasoningTokens, usage.TotalTokens)
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
