package ideation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

const (
	maxQuestions          = 3
	minConcreteOptions    = 3
	maxConcreteOptions    = 4
	maxVariations         = 4
	maxAdditionalConcepts = 3

	// StyleSuffix closes every generation-ready prompt
	StyleSuffix = "iphone style, low-fi image"
)

var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\{\{[^}]*\}\}`),
	regexp.MustCompile(`<[A-Za-z_][A-Za-z0-9_ ]*>`),
	// [PRODUCT], [PERSONA NAME]; lowercase emotional tags like [gross] are legitimate
	regexp.MustCompile(`\[[A-Z][A-Z0-9 _/-]*\]`),
	regexp.MustCompile(`\bTBD\b`),
}

var axisOrder = map[string]int{
	models.AxisProduct: 0,
	models.AxisPersona: 1,
	models.AxisAngle:   2,
}

// sanitizeQuestions enforces axis ids, ordering, option counts and the terminal other option.
// Questions whose axis was already answered are dropped.
func sanitizeQuestions(questions []models.ClarificationQuestion, answers map[string]string) []models.ClarificationQuestion {
	seen := make(map[string]bool, len(questions))
	out := make([]models.ClarificationQuestion, 0, len(questions))

	for _, q := range questions {
		id := strings.ToLower(strings.TrimSpace(q.ID))
		if _, ok := axisOrder[id]; !ok || seen[id] {
			continue
		}
		if strings.TrimSpace(answers[id]) != "" {
			continue
		}
		text := normalizeSpace(q.Question)
		if text == "" {
			continue
		}
		options := sanitizeOptions(q.Options)
		if options == nil {
			continue
		}
		seen[id] = true
		out = append(out, models.ClarificationQuestion{ID: id, Question: text, Options: options})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return axisOrder[out[i].ID] < axisOrder[out[j].ID]
	})
	if len(out) > maxQuestions {
		out = out[:maxQuestions]
	}
	return out
}

// sanitizeOptions keeps 3 or 4 concrete options and appends the other option.
// It returns nil when too few concrete options remain.
func sanitizeOptions(options []string) []string {
	concrete := dedupe(options, func(s string) bool { return !isOtherOption(s) })
	if len(concrete) < minConcreteOptions {
		return nil
	}
	if len(concrete) > maxConcreteOptions {
		concrete = concrete[:maxConcreteOptions]
	}
	return append(concrete, models.OtherOption)
}

func isOtherOption(option string) bool {
	lower := strings.ToLower(option)
	return lower == "other" || strings.HasPrefix(lower, "other /") || strings.HasPrefix(lower, "other (") ||
		strings.HasPrefix(lower, "something else")
}

// sanitizeIdeation validates prompts and drops unusable variations
func sanitizeIdeation(raw *rawResponse) (*models.IdeationResult, error) {
	primary := normalizeSpace(raw.PrimaryPrompt)
	if primary == "" {
		return nil, fmt.Errorf("%w: empty primary prompt", ErrInvalidResponse)
	}
	if token := findPlaceholder(primary); token != "" {
		return nil, fmt.Errorf("%w: primary prompt contains placeholder %s", ErrInvalidResponse, token)
	}
	primary = ensureStyleSuffix(primary)

	variations := dedupe(raw.Variations, func(s string) bool {
		return findPlaceholder(s) == ""
	})
	for i, v := range variations {
		variations[i] = ensureStyleSuffix(v)
	}
	variations = removeString(dedupe(variations, nil), primary)
	if len(variations) > maxVariations {
		variations = variations[:maxVariations]
	}

	concepts := dedupe(raw.AdditionalConcepts, nil)
	if len(concepts) > maxAdditionalConcepts {
		concepts = concepts[:maxAdditionalConcepts]
	}

	return &models.IdeationResult{
		PrimaryPrompt:      primary,
		Variations:         variations,
		AdditionalConcepts: concepts,
	}, nil
}

// findPlaceholder returns the first placeholder token in s, or ""
func findPlaceholder(s string) string {
	for _, re := range placeholderPatterns {
		if m := re.FindString(s); m != "" {
			return m
		}
	}
	return ""
}

func ensureStyleSuffix(p string) string {
	trimmed := strings.TrimRight(p, " .,;")
	if strings.HasSuffix(strings.ToLower(trimmed), StyleSuffix) {
		return trimmed
	}
	return trimmed + ", " + StyleSuffix
}

// dedupe trims, drops empties and case-insensitive duplicates, and applies keep when set
func dedupe(items []string, keep func(string) bool) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = normalizeSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		if keep != nil && !keep(item) {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func removeString(items []string, target string) []string {
	out := items[:0]
	for _, item := range items {
		if !strings.EqualFold(item, target) {
			out = append(out, item)
		}
	}
	return out
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
