package session

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/media"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/prompt"
)

const (
	untitledChat   = "Untitled chat"
	maxTitleLength = 100
)

func isInjection(content string) bool {
	switch content {
	case prompt.ReviewInjection, prompt.GenerateNudge, prompt.ReviewNudge:
		return true
	}
	return false
}

// firstUserText returns the first real user text of a transcript
func firstUserText(messages []llm.Message) string {
	for _, m := range messages {
		if m.Role != llm.RoleUser || isInjection(m.Content) {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			return text
		}
	}
	return ""
}

// ExtractTitle names a chat after its first user text
func ExtractTitle(messages []llm.Message) string {
	text := firstUserText(messages)
	if text == "" {
		return untitledChat
	}
	runes := []rune(text)
	if len(runes) > maxTitleLength {
		return string(runes[:maxTitleLength])
	}
	return text
}

// ExtractThumbnail returns the first successfully generated image URL
func ExtractThumbnail(messages []llm.Message) string {
	for _, m := range messages {
		if m.ToolResult == nil || m.ToolResult.Name != llm.ToolGenerateImage || m.ToolResult.IsError {
			continue
		}
		var result synthesis.Result
		if err := json.Unmarshal(m.ToolResult.Content, &result); err != nil {
			continue
		}
		if result.Success && result.ImageURL != "" {
			return result.ImageURL
		}
	}
	return ""
}

// StripFiles drops inline data: images, which are only needed by the generation
// that consumed them and can be megabytes each
func StripFiles(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(m.Images) == 0 {
			continue
		}
		var kept []string
		for _, img := range m.Images {
			if !media.IsDataURL(img) {
				kept = append(kept, img)
			}
		}
		out[i].Images = kept
	}
	return out
}

// DeriveCheckpoints scans a transcript for passing reviews, one per attempt
func DeriveCheckpoints(messages []llm.Message) []models.Checkpoint {
	var attempts []models.GenerationAttempt
	lastAttempt := -1
	number := 0

	for _, m := range messages {
		if m.Role == llm.RoleUser && !isInjection(m.Content) {
			number = 0
			lastAttempt = -1
			continue
		}
		if m.ToolResult == nil || m.ToolResult.IsError {
			continue
		}
		switch m.ToolResult.Name {
		case llm.ToolGenerateImage:
			var result synthesis.Result
			if err := json.Unmarshal(m.ToolResult.Content, &result); err != nil {
				continue
			}
			number++
			a := models.GenerationAttempt{ID: m.ToolResult.CallID, AttemptNumber: number}
			if result.Success {
				url := result.ImageURL
				a.ImageURL = &url
			}
			attempts = append(attempts, a)
			lastAttempt = len(attempts) - 1
		case llm.ToolReviewImage:
			if lastAttempt < 0 {
				continue
			}
			var verdict review.Verdict
			if err := json.Unmarshal(m.ToolResult.Content, &verdict); err != nil {
				continue
			}
			score, passed := verdict.Score, verdict.Passes
			attempts[lastAttempt].ReviewScore = &score
			attempts[lastAttempt].Passed = &passed
		}
	}
	return models.Checkpoints(attempts)
}

// DecodeMessages parses a persisted transcript
func DecodeMessages(raw string) ([]llm.Message, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var messages []llm.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// AnswerDangling appends an error result for every tool call that has none.
// Providers reject a transcript with an unanswered call.
func AnswerDangling(messages []llm.Message, reason string) []llm.Message {
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.ToolResult != nil {
			answered[m.ToolResult.CallID] = true
		}
	}
	content, _ := json.Marshal(map[string]string{"error": reason})

	var results []llm.Message
	for _, m := range messages {
		for _, call := range m.ToolCalls {
			if answered[call.ID] {
				continue
			}
			answered[call.ID] = true
			results = append(results, llm.ToolResultMessage(llm.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: content,
				IsError: true,
			}))
		}
	}
	if len(results) == 0 {
		return messages
	}
	return append(slices.Clone(messages), results...)
}
