package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	uuidPattern   = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	hexPattern    = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	digitPattern  = regexp.MustCompile(`\d+`)
)

// Template reduces a message to its shape by replacing the parts that vary
// between occurrences: quoted values, identifiers and numbers.
func Template(message string) string {
	t := quotedPattern.ReplaceAllString(message, "<val>")
	t = uuidPattern.ReplaceAllString(t, "<id>")
	t = hexPattern.ReplaceAllStringFunc(t, func(s string) string {
		// Long words made only of a-f letters are left alone.
		if !strings.ContainsAny(s, "0123456789") {
			return s
		}
		return "<id>"
	})
	return digitPattern.ReplaceAllString(t, "<n>")
}

// BucketKey identifies the aggregation bucket of (alertType, template).
func BucketKey(alertType, template string) string {
	sum := sha256.Sum256([]byte(alertType + "|" + template))
	return hex.EncodeToString(sum[:16])
}
