package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// ReviewInjection accompanies the generated image shown to the model before it reviews
const ReviewInjection = "This is the generated image. Please examine it carefully and call the reviewImage tool with your quality assessment based on the Native Ad Performance Checklist."

// FinalizeInstruction is appended when the user already answered and no further questions are allowed
const FinalizeInstruction = "The clarification round is over. Do not ask any more questions. Respond with type \"ideate\" using the concept and the answers above, making reasonable assumptions for anything still unclear."

// ClarifyInstruction is appended when none of the model's questions were usable
const ClarifyInstruction = "Your clarification questions could not be shown. Ask again with type \"clarify\": each question must use the id \"product\", \"persona\" or \"angle\" and offer 3 or 4 concrete options plus \"Other / something else\". If nothing is actually unclear, respond with type \"ideate\" instead."

// GenerateNudge is sent once when the model replies with text instead of generating
const GenerateNudge = "You must call generateImage now. Do not reply with text before an image has been generated."

// ReviewNudge is sent once when the model skips the review of a generated image
const ReviewNudge = "You have not reviewed the generated image yet. Call reviewImage with your checklist assessment now."

const (
	answersHeader  = "Clarification answers:"
	personasHeader = "Saved personas (offer them as persona options; when one is chosen, use its description):"

	// MaxPersonas caps how many saved personas reach the ideation input
	MaxPersonas = 8
)

// Builder assembles system prompts and user inputs from embedded templates
type Builder struct {
	loader *Loader
}

// NewPromptBuilder creates a new prompt builder
func NewPromptBuilder() *Builder {
	return &Builder{loader: NewPromptLoader()}
}

// BuildAgentPrompt returns the loop system prompt followed by the session's image settings
func (b *Builder) BuildAgentPrompt(settings models.Settings) (string, error) {
	base, err := b.loader.GetAgentSystemPrompt()
	if err != nil {
		return "", err
	}

	sections := []string{base, b.settingsSection(settings)}
	return strings.Join(sections, "\n\n"), nil
}

// BuildIdeationPrompt returns the ideation system prompt
func (b *Builder) BuildIdeationPrompt() (string, error) {
	return b.loader.GetIdeationSystemPrompt()
}

// BuildReviewPrompt returns the standalone reviewer system prompt
func (b *Builder) BuildReviewPrompt() (string, error) {
	return b.loader.GetReviewSystemPrompt()
}

func (b *Builder) settingsSection(settings models.Settings) string {
	var sb strings.Builder
	sb.WriteString("CURRENT IMAGE SETTINGS (applied by the server, do not restate them in prompts):\n")
	fmt.Fprintf(&sb, "- model: %s\n", settings.Model)
	fmt.Fprintf(&sb, "- aspect ratio: %s\n", settings.AspectRatio)
	fmt.Fprintf(&sb, "- resolution: %s", settings.Resolution)
	return sb.String()
}

// BuildIdeationInput appends clarification answers and the user's saved personas to the concept.
// Axis answers come first in product, persona, angle order; other keys follow alphabetically.
func BuildIdeationInput(concept string, answers map[string]string, personas []models.Persona) string {
	var sb strings.Builder
	sb.WriteString(concept)

	if len(answers) > 0 {
		keys := make([]string, 0, len(answers))
		for k := range answers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			ri, rj := axisRank(keys[i]), axisRank(keys[j])
			if ri != rj {
				return ri < rj
			}
			return keys[i] < keys[j]
		})

		sb.WriteString("\n\n" + answersHeader)
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n%s: %s", k, answers[k])
		}
	}

	if len(personas) > 0 {
		sb.WriteString("\n\n" + personasHeader)
		for i, p := range personas {
			if i == MaxPersonas {
				break
			}
			fmt.Fprintf(&sb, "\n- %s: %s", p.Name, p.Description)
		}
	}
	return sb.String()
}

// BuildReviewInput describes what the standalone reviewer should judge against
func BuildReviewInput(concept string) string {
	concept = strings.TrimSpace(concept)
	if concept == "" {
		return "Review this image against the checklist."
	}
	return "Requested concept: " + concept + "\n\nReview this image against the checklist."
}

func axisRank(key string) int {
	switch key {
	case models.AxisProduct:
		return 0
	case models.AxisPersona:
		return 1
	case models.AxisAngle:
		return 2
	default:
		return 3
	}
}
