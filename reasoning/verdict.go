package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "works-matcher/errors"
	"works-matcher/matching"
)

const snippetLimit = 100

// DecodeVerdict extracts a verdict from a model reply. Replies wrapped in
// code fences or surrounded by prose are accepted as long as they contain
// one JSON object. Confidence is clamped to [0,1].
func DecodeVerdict(raw string) (matching.Verdict, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return matching.Verdict{}, fmt.Errorf("%w: empty reply", apperrors.ErrMalformedResponse)
	}

	var v matching.Verdict
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		payload := extractObject(stripCodeFence(trimmed))
		if payload == "" {
			return matching.Verdict{}, fmt.Errorf("%w: %s", apperrors.ErrMalformedResponse, snippet(trimmed))
		}
		v = matching.Verdict{}
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return matching.Verdict{}, fmt.Errorf("%w: %s", apperrors.ErrMalformedResponse, snippet(trimmed))
		}
	}

	switch {
	case v.Confidence < 0:
		v.Confidence = 0
	case v.Confidence > 1:
		v.Confidence = 1
	}
	v.Reasoning = strings.TrimSpace(v.Reasoning)
	return v, nil
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	body := strings.TrimLeft(content[3:], " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = strings.TrimLeft(body[4:], " \t\r\n")
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

func extractObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= snippetLimit {
		return s
	}
	return string(r[:snippetLimit])
}
