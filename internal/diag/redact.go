package diag

import (
	"regexp"
	"strconv"
	"strings"
)

type redactRule struct {
	field   string
	prefix  string
	pattern *regexp.Regexp
}

// fieldPattern matches "field":"value" pairs, tolerating quotes that
// were backslash-escaped because the pair sits inside a larger JSON
// string.
func fieldPattern(field string) *regexp.Regexp {
	return regexp.MustCompile(`\\?"` + field + `\\?"\s*:\s*\\?"(.*?)\\?"`)
}

// Field order is fixed so the same input always produces the same
// tokens.
var redactRules = []redactRule{
	{field: "name", prefix: "NAME_", pattern: fieldPattern("name")},
	{field: "userId", prefix: "USER_ID_", pattern: fieldPattern("userId")},
	{field: "imageData", prefix: "IMAGE_DATA_", pattern: fieldPattern("imageData")},
	{field: "url", prefix: "URL_", pattern: fieldPattern("url")},
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// Redact replaces personal data in text with stable placeholder
// tokens. For each sensitive field it collects the distinct values in
// first-seen order, then replaces every literal occurrence of each
// value, so the same identifier maps to the same token wherever it
// appears. Email addresses are scrubbed last.
func Redact(text string) string {
	for _, rule := range redactRules {
		var values []string
		seen := make(map[string]bool)
		for _, m := range rule.pattern.FindAllStringSubmatch(text, -1) {
			value := m[1]
			if value == "" || seen[value] {
				continue
			}
			seen[value] = true
			values = append(values, value)
		}
		for i, value := range values {
			text = strings.ReplaceAll(text, value, rule.prefix+strconv.Itoa(i+1))
		}
	}
	return emailPattern.ReplaceAllString(text, "EMAIL_REDACTED")
}
