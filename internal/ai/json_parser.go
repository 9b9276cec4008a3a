// Package ai implements Tier 3 adjudication: a language model is asked whether two
// borderline sightings describe the same event, and its answer is passed through a
// validator before it may influence merging.
package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Pre-compiled regular expressions for the cleanup strategies.
var (
	// Matches ```json\n{...}\n```, ```{...}```, ``` json{...}``` and similar.
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// maxParseInput bounds the size of a model response we attempt to parse.
const maxParseInput = 1 << 20

// ParseResult is the outcome of a tolerant parse.
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	Strategy     string
	OriginalText string
}

// ParseOptions configures Parse.
type ParseOptions struct {
	Context string // Prefixed to error messages
	Quiet   bool   // Suppress debug logging of failed strategies
}

// Parse decodes a model response, tolerating the usual formatting quirks.
//
// Strategy sequence:
//  1. Direct JSON parse
//  2. Remove code fences and retry
//  3. Fix trailing commas, unquoted keys, and comments
//  4. Extract the outermost object from mixed prose
//  5. Structural repair with jsonrepair (truncated output, single quotes)
func Parse[T any](text string, opts ...ParseOptions) ParseResult[T] {
	var options ParseOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	if len(text) > maxParseInput {
		return parseError[T](fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), maxParseInput), truncate(text, 1000), options.Context)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T]("empty input", text, options.Context)
	}

	if result, err := tryDirectParse[T](trimmed); err == nil {
		return parseOK(result, "direct", text)
	} else if !options.Quiet {
		slog.Debug("direct JSON parse failed, trying cleanup strategies",
			"error", err.Error(),
			"textPreview", truncate(text, 100),
			"context", options.Context)
	}

	withoutFences := removeCodeFences(trimmed)
	if withoutFences != trimmed {
		if result, err := tryDirectParse[T](withoutFences); err == nil {
			return parseOK(result, "code_fence", text)
		}
	}

	cleaned := cleanupJSON(withoutFences)
	if result, err := tryDirectParse[T](cleaned); err == nil {
		return parseOK(result, "cleanup", text)
	}

	extracted := extractJSON(cleaned)
	if extracted != "" && extracted != cleaned {
		if result, err := tryDirectParse[T](extracted); err == nil {
			return parseOK(result, "extract", text)
		}
	}

	repairInput := cleaned
	if extracted != "" {
		repairInput = extracted
	} else if i := strings.Index(cleaned, "{"); i >= 0 {
		// Truncated objects have no closing brace for extractJSON to find.
		repairInput = cleaned[i:]
	}
	if repaired, err := jsonrepair.JSONRepair(repairInput); err == nil {
		if result, err := tryDirectParse[T](repaired); err == nil {
			return parseOK(result, "repair", text)
		}
	}

	return parseError[T]("all JSON parsing strategies failed", text, options.Context)
}

func parseOK[T any](data T, strategy, text string) ParseResult[T] {
	return ParseResult[T]{Success: true, Data: data, Strategy: strategy, OriginalText: text}
}

func tryDirectParse[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

// removeCodeFences strips markdown code fences from text.
func removeCodeFences(text string) string {
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")
	if cleaned == text {
		cleaned = codeFenceAnyRegex.ReplaceAllString(text, "$1")
	}
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "`"), "`")
	}
	return strings.TrimSpace(cleaned)
}

// cleanupJSON fixes common formatting issues. Single quotes are left alone since
// narratives routinely contain apostrophes.
func cleanupJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON returns the outermost {...} span, or "".
func extractJSON(text string) string {
	return objectRegex.FindString(text)
}

func parseError[T any](message, text, context string) ParseResult[T] {
	if context != "" {
		message = context + ": " + message
	}
	return ParseResult[T]{Error: message, OriginalText: text}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
