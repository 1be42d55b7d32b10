// Package injection implements a small, log-only prompt-injection scan
// (§12 Prompt-injection scan): a fixed set of high-risk phrases checked
// against incoming message content and outgoing agent replies. Detection
// never blocks or alters anything — it only produces a structured warning
// for the audit trail.
package injection

import (
	"log/slog"
	"strings"
)

// Default high-risk phrases (case-insensitive).
var defaultPatterns = []string{
	"ignore previous",
	"system prompt",
	"simulated mode",
}

// ScanResult holds the result of a prompt-injection scan.
type ScanResult struct {
	Detected bool     // true if any high-risk pattern was found
	Patterns []string // matched phrases
}

// Scan checks text for high-risk prompt-injection keywords and returns a ScanResult.
func Scan(text string) ScanResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return ScanResult{}
	}
	lower := strings.ToLower(text)
	var matched []string
	for _, p := range defaultPatterns {
		if strings.Contains(lower, p) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return ScanResult{}
	}
	return ScanResult{Detected: true, Patterns: matched}
}

// LogIfDetected scans text and, if a high-risk phrase is present, logs a
// structured warning naming where the text came from (e.g. "event.content",
// "agent.reply"). It never returns an error and never alters text.
func LogIfDetected(logger *slog.Logger, where, text string) ScanResult {
	r := Scan(text)
	if !r.Detected {
		return r
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("potential prompt injection detected", "where", where, "patterns", r.Patterns)
	return r
}
