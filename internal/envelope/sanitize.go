package envelope

import "regexp"

const maxDetailLen = 200

var (
	bearerPattern   = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.]+`)
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	emailDomainPart = regexp.MustCompile(`@.*$`)
)

// Sanitize scrubs a detail string of raw JWTs and email addresses and
// truncates it to 200 characters, per spec.md §7. An empty input yields the
// generic fallback message.
func Sanitize(detail string) string {
	if detail == "" {
		return "An error occurred"
	}

	detail = bearerPattern.ReplaceAllString(detail, "Bearer [REDACTED]")
	detail = emailPattern.ReplaceAllStringFunc(detail, func(email string) string {
		return emailDomainPart.ReplaceAllString(email, "@[REDACTED]")
	})

	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen] + "…"
	}
	return detail
}
