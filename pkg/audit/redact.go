package audit

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

// Pattern-based masking of likely-sensitive substrings. Best effort, not a
// PII guarantee.
var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)
)

func Redact(content string) string {
	out := emailPattern.ReplaceAllStringFunc(content, maskEmail)
	out = phonePattern.ReplaceAllString(out, "***-***-****")
	out = cardPattern.ReplaceAllString(out, "****-****-****-****")
	return out
}

func maskEmail(m string) string {
	head := m
	if len(head) > 3 {
		head = head[:3]
	}
	tail := m
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return head + "***@***" + tail
}

const truncationMarker = "\n... [TRUNCATED] ...\n"

// Truncate caps content at limit, keeping the head and tail around a
// marker so the result is exactly limit bytes long.
func Truncate(content string, limit int) (string, bool) {
	if limit <= 0 || len(content) <= limit {
		return content, false
	}
	keep := limit - len(truncationMarker)
	if keep < 2 {
		return content[:limit], true
	}
	head := (keep + 1) / 2
	tail := keep - head
	return content[:head] + truncationMarker + content[len(content)-tail:], true
}

// Headers whose values never enter the audit hash.
var secretHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// HashHeaders hashes the inbound headers with secret-bearing ones
// excluded, for tamper-evident auditing without storing raw values.
func HashHeaders(h http.Header) string {
	safe := make(map[string]string, len(h))
	for k, vals := range h {
		lk := strings.ToLower(k)
		if _, secret := secretHeaders[lk]; secret {
			continue
		}
		if len(vals) > 0 {
			safe[lk] = vals[0]
		}
	}
	b, err := json.Marshal(safe)
	if err != nil {
		return ""
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
