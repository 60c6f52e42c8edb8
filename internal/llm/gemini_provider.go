package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Conceptual-Machines/nativeads-api/internal/media"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

const (
	providerNameGemini = "gemini"
	mimeTypeJSON       = "application/json"
)

// ImageLoader resolves image URLs into inline bytes
type ImageLoader interface {
	Load(ctx context.Context, url string) (*media.Image, error)
}

// GeminiProvider implements the Provider interface using Google's Gemini API
type GeminiProvider struct {
	client *genai.Client
	images ImageLoader
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey string, images ImageLoader) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if images == nil {
		images = media.NewFetcher(0)
	}

	return &GeminiProvider{
		client: client,
		images: images,
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return providerNameGemini
}

// Generate runs a structured-output call using Gemini's API
func (p *GeminiProvider) Generate(ctx context.Context, request *GenerationRequest) (*GenerationResponse, error) {
	startTime := time.Now()
	log.Printf("🧠 GEMINI GENERATION REQUEST STARTED (Model: %s)", request.Model)

	transaction := sentry.StartTransaction(ctx, "gemini.generate")
	defer transaction.Finish()

	transaction.SetTag("model", request.Model)
	transaction.SetTag("provider", providerNameGemini)

	contents, err := p.buildGeminiContents(transaction.Context(), request.Messages)
	if err != nil {
		transaction.SetTag("success", "false")
		return nil, fmt.Errorf("failed to build Gemini contents: %w", err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: request.SystemPrompt}},
		},
	}
	if request.OutputSchema != nil {
		config.ResponseMIMEType = mimeTypeJSON
		config.ResponseSchema = convertSchemaToGemini(request.OutputSchema.Schema)
	}

	span := transaction.StartChild("gemini.api_call")
	result, err := p.client.Models.GenerateContent(transaction.Context(), request.Model, contents, config)
	span.Finish()

	if err != nil {
		log.Printf("❌ GEMINI REQUEST FAILED after %v: %v", time.Since(startTime), err)
		transaction.SetTag("success", "false")
		sentry.CaptureException(err)
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	message := messageFromGemini(result)
	usage := usageFromGemini(result.UsageMetadata)
	logUsageStats(providerNameGemini, usage)

	if message.Content == "" {
		transaction.SetTag("success", "false")
		return nil, fmt.Errorf("gemini response did not include any output text")
	}

	transaction.SetTag("success", "true")
	log.Printf("✅ GEMINI GENERATION COMPLETED in %v (output_length=%d)", time.Since(startTime), len(message.Content))

	return &GenerationResponse{
		RawOutput: message.Content,
		Usage:     usage,
	}, nil
}

// Step runs one tool-calling turn using function declarations
func (p *GeminiProvider) Step(ctx context.Context, request *StepRequest) (*StepResponse, error) {
	startTime := time.Now()

	transaction := sentry.StartTransaction(ctx, "gemini.step")
	defer transaction.Finish()

	transaction.SetTag("model", request.Model)
	transaction.SetTag("provider", providerNameGemini)

	contents, err := p.buildGeminiContents(transaction.Context(), request.Messages)
	if err != nil {
		transaction.SetTag("success", "false")
		return nil, fmt.Errorf("failed to build Gemini contents: %w", err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: request.SystemPrompt}},
		},
	}
	if len(request.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: buildFunctionDeclarations(request.Tools)}}
	}

	span := transaction.StartChild("gemini.api_call")
	result, err := p.client.Models.GenerateContent(transaction.Context(), request.Model, contents, config)
	span.Finish()

	if err != nil {
		log.Printf("❌ GEMINI STEP FAILED after %v: %v", time.Since(startTime), err)
		transaction.SetTag("success", "false")
		sentry.CaptureException(err)
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	message := messageFromGemini(result)
	usage := usageFromGemini(result.UsageMetadata)
	logUsageStats(providerNameGemini, usage)
	transaction.SetTag("success", "true")
	log.Printf("⏱️  GEMINI STEP COMPLETED in %v (tool_calls=%d, text=%d chars)",
		time.Since(startTime), len(message.ToolCalls), len(message.Content))

	return &StepResponse{Message: message, Usage: usage}, nil
}

// buildGeminiContents converts messages to Gemini Content, inlining image bytes
func (p *GeminiProvider) buildGeminiContents(ctx context.Context, messages []Message) ([]*genai.Content, error) {
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			parts := make([]*genai.Part, 0, len(msg.Images)+1)
			for _, url := range msg.Images {
				img, err := p.images.Load(ctx, url)
				if err != nil {
					return nil, fmt.Errorf("load image: %w", err)
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}})
			}
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
			}

		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, fmt.Errorf("decode %s arguments: %w", call.Name, err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case RoleTool:
			if msg.ToolResult == nil {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolResult.CallID,
					Name:     msg.ToolResult.Name,
					Response: functionResponsePayload(msg.ToolResult),
				}}},
			})

		default:
			log.Printf("⚠️  Skipping message with unknown role %q", msg.Role)
		}
	}

	return contents, nil
}

// functionResponsePayload wraps a tool result in the object Gemini expects
func functionResponsePayload(result *ToolResult) map[string]any {
	var decoded any
	if err := json.Unmarshal(result.Content, &decoded); err != nil {
		decoded = string(result.Content)
	}
	key := "output"
	if result.IsError {
		key = "error"
	}
	if obj, ok := decoded.(map[string]any); ok && !result.IsError {
		return obj
	}
	return map[string]any{key: decoded}
}

func buildFunctionDeclarations(tools []ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchemaToGemini(tool.Parameters),
		})
	}
	return decls
}

// messageFromGemini collects text and function calls from the first candidate
func messageFromGemini(result *genai.GenerateContentResponse) Message {
	message := Message{Role: RoleAssistant}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return message
	}

	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || part.FunctionCall.Args == nil {
				args = []byte(emptyArguments)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}
	message.Content = strings.TrimSpace(text.String())
	return message
}

func usageFromGemini(meta *genai.GenerateContentResponseUsageMetadata) Usage {
	if meta == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:     int64(meta.PromptTokenCount),
		OutputTokens:    int64(meta.CandidatesTokenCount),
		ReasoningTokens: int64(meta.ThoughtsTokenCount),
		TotalTokens:     int64(meta.TotalTokenCount),
	}
}
