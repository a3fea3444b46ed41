package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxRenderDepth bounds the structural walk; anything deeper is emitted as
// compact JSON on one line.
const maxRenderDepth = 6

// renderJSONModule renders a JSON module artifact as nested Markdown lists.
// Malformed JSON degrades to the raw payload in a fenced code block.
func renderJSONModule(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "```json\n" + strings.TrimSpace(string(data)) + "\n```\n"
	}

	var sb strings.Builder
	writeJSONValue(&sb, v, "", 0)
	out := sb.String()
	if out == "" {
		out = "_(empty)_\n"
	}
	return out
}

func writeJSONValue(sb *strings.Builder, v any, indent string, depth int) {
	if depth >= maxRenderDepth {
		fmt.Fprintf(sb, "%s- %s\n", indent, compactJSON(v))
		return
	}

	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := t[k]
			if isScalar(child) {
				fmt.Fprintf(sb, "%s- **%s**: %s\n", indent, prettyTitle(k), scalarString(child))
				continue
			}
			fmt.Fprintf(sb, "%s- **%s**:\n", indent, prettyTitle(k))
			writeJSONValue(sb, child, indent+"  ", depth+1)
		}
	case []any:
		for i, item := range t {
			if isScalar(item) {
				fmt.Fprintf(sb, "%s- %s\n", indent, scalarString(item))
				continue
			}
			fmt.Fprintf(sb, "%s- (%d)\n", indent, i+1)
			writeJSONValue(sb, item, indent+"  ", depth+1)
		}
	default:
		fmt.Fprintf(sb, "%s- %s\n", indent, scalarString(v))
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

// scalarString renders a JSON leaf. Multi-line strings are collapsed so
// they stay inside their list item.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		if t == "" {
			return `""`
		}
		return strings.Join(strings.Fields(t), " ")
	default:
		return fmt.Sprintf("%v", t)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
