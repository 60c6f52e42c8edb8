package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
)

const (
	// MaxScore is the number of rubric criteria
	MaxScore = 7
	// PassThreshold is the lowest passing score
	PassThreshold = 6
	// marginalThreshold is the lowest score of the marginal band
	marginalThreshold = 4
)

// ErrMissingRefinedPrompt is returned when a failing verdict carries no refined prompt
var ErrMissingRefinedPrompt = errors.New("failing review must include a refined prompt")

// Criterion is one binary rubric check
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Rubric is the native ad checklist, in checklist order
var Rubric = []Criterion{
	{ID: "authentic_ugc", Description: "Looks like a real person took it on their phone, not a brand or studio"},
	{ID: "lofi_aesthetic", Description: "Casual framing, natural light, imperfect composition"},
	{ID: "emotional_hook", Description: "Shows a visible problem, moment or feeling that stops the scroll"},
	{ID: "matches_concept", Description: "Depicts the requested product, persona and angle"},
	{ID: "no_text_overlays", Description: "No captions, logos, watermarks or rendered text"},
	{ID: "no_ai_artifacts", Description: "No warped hands, melted objects, extra limbs or uncanny faces"},
	{ID: "plausibly_posted", Description: "Could be posted as-is to a social feed without looking like an ad"},
}

// Band frames how a score should be communicated
type Band string

const (
	BandPass     Band = "pass"
	BandMarginal Band = "marginal"
	BandFail     Band = "fail"
)

// BandFor classifies a clamped score
func BandFor(score int) Band {
	switch {
	case score >= PassThreshold:
		return BandPass
	case score >= marginalThreshold:
		return BandMarginal
	default:
		return BandFail
	}
}

// Input is the reviewImage tool payload as the model sends it
type Input struct {
	ImageURL      string          `json:"image_url"`
	Passes        bool            `json:"passes"`
	Score         int             `json:"score"`
	Issues        []string        `json:"issues"`
	RefinedPrompt string          `json:"refined_prompt,omitempty"`
	Criteria      map[string]bool `json:"criteria,omitempty"`
}

// Verdict is a normalized review
type Verdict struct {
	ImageURL      string          `json:"image_url,omitempty"`
	Passes        bool            `json:"passes"`
	Score         int             `json:"score"`
	Band          Band            `json:"band"`
	Issues        []string        `json:"issues"`
	RefinedPrompt string          `json:"refined_prompt,omitempty"`
	Criteria      map[string]bool `json:"criteria,omitempty"`
	// Downgraded is set when the model claimed a pass its score does not support
	Downgraded bool `json:"downgraded,omitempty"`
}

// Normalize enforces the scoring contract on a model verdict.
// Pass is derived from the score alone. A refined prompt is kept only on failure
// and a failing verdict without one is an error.
func Normalize(in Input) (*Verdict, error) {
	score := in.Score
	if len(in.Criteria) > 0 {
		score = 0
		for _, c := range Rubric {
			if in.Criteria[c.ID] {
				score++
			}
		}
	}
	score = max(0, min(MaxScore, score))

	v := &Verdict{
		ImageURL: strings.TrimSpace(in.ImageURL),
		Score:    score,
		Band:     BandFor(score),
		Passes:   score >= PassThreshold,
		Issues:   cleanIssues(in.Issues),
		Criteria: in.Criteria,
	}
	v.Downgraded = in.Passes && !v.Passes

	if len(in.Criteria) > 0 && !v.Passes && len(v.Issues) == 0 {
		v.Issues = failedCriteria(in.Criteria)
	}
	if v.Downgraded && len(v.Issues) == 0 {
		v.Issues = []string{fmt.Sprintf("score %d/%d is below the passing threshold", score, MaxScore)}
	}

	if v.Passes {
		return v, nil
	}
	v.RefinedPrompt = strings.TrimSpace(in.RefinedPrompt)
	if v.RefinedPrompt == "" {
		return v, ErrMissingRefinedPrompt
	}
	return v, nil
}

// FailureReason is a one or two sentence summary for the approval request
func (v *Verdict) FailureReason() string {
	if v.Passes {
		return ""
	}
	prefix := fmt.Sprintf("Scored %d/%d.", v.Score, MaxScore)
	if v.Band == BandMarginal {
		prefix = fmt.Sprintf("Close, but scored %d/%d.", v.Score, MaxScore)
	}
	if len(v.Issues) == 0 {
		return prefix
	}
	issues := v.Issues
	if len(issues) > 3 {
		issues = issues[:3]
	}
	return prefix + " " + strings.Join(issues, "; ") + "."
}

func cleanIssues(issues []string) []string {
	out := make([]string, 0, len(issues))
	seen := make(map[string]bool)
	for _, issue := range issues {
		issue = strings.TrimRight(strings.TrimSpace(issue), ".")
		key := strings.ToLower(issue)
		if issue == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, issue)
	}
	return out
}

func failedCriteria(criteria map[string]bool) []string {
	var out []string
	for _, c := range Rubric {
		if !criteria[c.ID] {
			out = append(out, c.Description)
		}
	}
	return out
}

func init() {
	// The rubric and the tool schema must agree
	if len(Rubric) != len(llm.RubricCriterionIDs) || len(Rubric) != MaxScore {
		panic("review rubric does not match the criterion schema")
	}
	for i, c := range Rubric {
		if llm.RubricCriterionIDs[i] != c.ID {
			panic("review rubric does not match the criterion schema: " + c.ID)
		}
	}
}
