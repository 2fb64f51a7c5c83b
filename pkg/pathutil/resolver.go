// Package pathutil extracts display values from dataset payloads.
//
// A json path is a dotted list of keys ("a.b.0.c"). Each key is matched
// literally: characters that gjson treats as syntax (wildcards, modifiers,
// queries) are escaped before navigation, so "a*b" only ever matches a key
// spelled "a*b". Numeric keys index into arrays.
package pathutil

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wehubfusion/livebind/pkg/dataset"
	lberrors "github.com/wehubfusion/livebind/pkg/errors"
)

// MarkdownPath is the json path that selects a markdown dataset's content.
const MarkdownPath = "markdown"

// ContentKey is the payload field holding a markdown dataset's source.
const ContentKey = "content"

// Resolve computes the display string for a dataset and an optional json path.
// A path that does not resolve yields a PATH_NOT_FOUND error.
func Resolve(ds *dataset.Dataset, jsonPath string) (string, error) {
	if ds == nil {
		return "", lberrors.NewPathNotFoundError(jsonPath)
	}

	// Markdown datasets expose their source directly.
	if ds.Type == dataset.TypeMarkdown && (jsonPath == "" || jsonPath == MarkdownPath) {
		content := gjson.GetBytes(ds.Payload, ContentKey)
		return Format(content), nil
	}

	if jsonPath == "" {
		return Format(gjson.ParseBytes(ds.Payload)), nil
	}

	value, ok := Navigate(ds.Payload, jsonPath)
	if !ok {
		return "", lberrors.NewPathNotFoundError(jsonPath)
	}
	return Format(value), nil
}

// Navigate walks jsonPath key by key through payload. It reports false as soon
// as the current value cannot be indexed or the key is absent.
func Navigate(payload []byte, jsonPath string) (gjson.Result, bool) {
	current := gjson.ParseBytes(payload)
	for _, key := range strings.Split(jsonPath, ".") {
		switch {
		case current.IsObject():
		case current.IsArray():
			if !isIndex(key) {
				return gjson.Result{}, false
			}
		default:
			return gjson.Result{}, false
		}

		next := current.Get(gjson.Escape(key))
		if !next.Exists() {
			return gjson.Result{}, false
		}
		current = next
	}
	return current, true
}

// Format renders a value for display: null and missing values are empty,
// strings are returned unchanged, objects and arrays are indented JSON and
// every other value is coerced to a string. Numbers print in their shortest
// round-trip form ("10.50" -> "10.5", "1e3" -> "1000", "-0" -> "0").
func Format(value gjson.Result) string {
	switch value.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return value.Str
	case gjson.JSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, bytes.TrimSpace([]byte(value.Raw)), "", "  "); err != nil {
			return value.Raw
		}
		return buf.String()
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	case gjson.Number:
		return formatNumber(value.Num)
	default:
		return value.Raw
	}
}

// formatNumber prints v in fixed notation between 1e-6 and 1e21 and in
// exponent form ("1e+21", "1.5e-7") outside that range.
func formatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	abs := math.Abs(v)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(v, 'e', -1, 64), "e")
	return mantissa + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}

func isIndex(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
