package llm

import (
	"fmt"
	"sort"

	"google.golang.org/genai"
)

// convertSchemaToGemini converts a JSON Schema map into Gemini's Schema type.
// Integer enums are not representable, so they become a minimum/maximum range.
func convertSchemaToGemini(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	out := &genai.Schema{}
	if description, ok := schema["description"].(string); ok {
		out.Description = description
	}

	switch schema["type"] {
	case "object":
		out.Type = genai.TypeObject
		if props, ok := schema["properties"].(map[string]any); ok {
			out.Properties = make(map[string]*genai.Schema, len(props))
			keys := make([]string, 0, len(props))
			for key, raw := range props {
				if child, ok := raw.(map[string]any); ok {
					out.Properties[key] = convertSchemaToGemini(child)
					keys = append(keys, key)
				}
			}
			sort.Strings(keys)
			out.PropertyOrdering = keys
		}
		out.Required = toStringSlice(schema["required"])
	case "array":
		out.Type = genai.TypeArray
		if items, ok := schema["items"].(map[string]any); ok {
			out.Items = convertSchemaToGemini(items)
		}
		if n, ok := toFloat(schema["minItems"]); ok {
			out.MinItems = genai.Ptr(int64(n))
		}
		if n, ok := toFloat(schema["maxItems"]); ok {
			out.MaxItems = genai.Ptr(int64(n))
		}
	case "string":
		out.Type = genai.TypeString
		out.Enum = toStringSlice(schema["enum"])
	case "integer", "number":
		out.Type = genai.TypeInteger
		if schema["type"] == "number" {
			out.Type = genai.TypeNumber
		}
		if n, ok := toFloat(schema["minimum"]); ok {
			out.Minimum = genai.Ptr(n)
		}
		if n, ok := toFloat(schema["maximum"]); ok {
			out.Maximum = genai.Ptr(n)
		}
		if lo, hi, ok := numericEnumRange(schema["enum"]); ok {
			out.Minimum = genai.Ptr(lo)
			out.Maximum = genai.Ptr(hi)
		}
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}

	return out
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func numericEnumRange(v any) (float64, float64, bool) {
	var nums []float64
	switch vals := v.(type) {
	case []int:
		for _, n := range vals {
			nums = append(nums, float64(n))
		}
	case []any:
		for _, item := range vals {
			if n, ok := toFloat(item); ok {
				nums = append(nums, n)
			}
		}
	}
	if len(nums) == 0 {
		return 0, 0, false
	}
	lo, hi := nums[0], nums[0]
	for _, n := range nums[1:] {
		if n < lo {
			lo = n
		}
		if n > hi {
			hi = n
		}
	}
	return lo, hi, true
}
