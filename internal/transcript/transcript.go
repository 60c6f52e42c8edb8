// Package transcript renders a saved chat as a standalone HTML page.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/prompt"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>body{font-family:system-ui,sans-serif;max-width:760px;margin:2rem auto;padding:0 1rem;line-height:1.5}img{max-width:100%%;border-radius:8px}blockquote{color:#555}</style>
</head>
<body>
%s
</body>
</html>
`

// Markdown builds the markdown transcript of a chat
func Markdown(title string, messages []llm.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", escapeInline(title))

	for _, m := range messages {
		switch {
		case m.Role == llm.RoleUser:
			writeUser(&b, m)
		case m.Role == llm.RoleAssistant && strings.TrimSpace(m.Content) != "":
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(m.Content))
		case m.ToolResult != nil:
			writeToolResult(&b, *m.ToolResult)
		}
	}
	return b.String()
}

func writeUser(b *strings.Builder, m llm.Message) {
	switch m.Content {
	case prompt.GenerateNudge, prompt.ReviewNudge:
		return
	case prompt.ReviewInjection:
		// the generated image is already shown with its attempt
		return
	}
	fmt.Fprintf(b, "**You:** %s\n\n", escapeInline(m.Content))
	for _, img := range m.Images {
		if strings.HasPrefix(img, "https://") || strings.HasPrefix(img, "http://") {
			fmt.Fprintf(b, "![reference](%s)\n\n", img)
		}
	}
}

func writeToolResult(b *strings.Builder, r llm.ToolResult) {
	if r.IsError {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(r.Content, &payload)
		if payload.Error != "" {
			fmt.Fprintf(b, "> ⚠️ %s: %s\n\n", r.Name, escapeInline(payload.Error))
		}
		return
	}

	switch r.Name {
	case llm.ToolGenerateImage:
		var result synthesis.Result
		if err := json.Unmarshal(r.Content, &result); err != nil {
			return
		}
		if !result.Success {
			fmt.Fprintf(b, "> ❌ Generation failed: %s\n\n", escapeInline(result.Error))
			return
		}
		fmt.Fprintf(b, "![generated](%s)\n\n", result.ImageURL)
	case llm.ToolReviewImage:
		var verdict review.Verdict
		if err := json.Unmarshal(r.Content, &verdict); err != nil {
			return
		}
		status := "✅ Passed"
		if !verdict.Passes {
			status = "❌ Failed"
		}
		fmt.Fprintf(b, "**Review:** %s, %d/%d\n\n", status, verdict.Score, review.MaxScore)
		for _, issue := range verdict.Issues {
			fmt.Fprintf(b, "- %s\n", escapeInline(issue))
		}
		if len(verdict.Issues) > 0 {
			b.WriteString("\n")
		}
	case llm.ToolApproveRetry:
		var decision struct {
			Approved bool `json:"approved"`
		}
		if err := json.Unmarshal(r.Content, &decision); err != nil {
			return
		}
		if decision.Approved {
			b.WriteString("> Retry approved\n\n")
		} else {
			b.WriteString("> Retry skipped\n\n")
		}
	}
}

// escapeInline keeps user text from opening block structures
func escapeInline(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", " ")
	for _, c := range []string{"\\", "`", "*", "_", "[", "]", "<", ">", "#", "|"} {
		s = strings.ReplaceAll(s, c, "\\"+c)
	}
	return s
}

// RenderHTML converts a chat into a complete HTML document
func RenderHTML(chat *models.Chat, messages []llm.Message) ([]byte, error) {
	title := chat.Title
	if title == "" {
		title = "Untitled chat"
	}

	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(title, messages)), &body); err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}
	return []byte(fmt.Sprintf(pageTemplate, html.EscapeString(title), body.String())), nil
}
