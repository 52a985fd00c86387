// Package classify maps notification emails to the platform that sent them,
// the kind of social event they report, and the post they point at.
package classify

import "strings"

const (
	UnknownPlatform = "unknown"
	GeneralType     = "general"
)

// Result is the outcome of classifying one message. It is never an error:
// unmatched inputs fall back to UnknownPlatform and GeneralType.
type Result struct {
	Platform         string `json:"platform"`
	NotificationType string `json:"notification_type"`
	OriginalURL      string `json:"original_url,omitempty"`
}

// Classify runs platform, notification type and URL detection.
func Classify(sender, subject, body string) Result {
	platform := DetectPlatform(sender)
	return Result{
		Platform:         platform,
		NotificationType: DetectNotificationType(subject, body),
		OriginalURL:      ExtractOriginalURL(body, platform),
	}
}

// DetectPlatform matches the sender against known addresses first, then
// domain patterns. First match wins.
func DetectPlatform(sender string) string {
	s := strings.ToLower(sender)

	for _, r := range senderRules {
		if strings.Contains(s, r.match) {
			return r.platform
		}
	}
	for _, p := range senderPatterns {
		if p.re.MatchString(s) {
			return p.platform
		}
	}
	return UnknownPlatform
}

// DetectNotificationType scans keyword groups in table order over the
// lower-cased subject and body.
func DetectNotificationType(subject, body string) string {
	text := strings.ToLower(subject + " " + body)

	for _, g := range keywordGroups {
		for _, kw := range g.keywords {
			if strings.Contains(text, kw) {
				return g.kind
			}
		}
	}
	return GeneralType
}

// ExtractURLs returns every absolute http(s) URL in text, in order.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// ExtractOriginalURL picks the link most likely to be the post the
// notification is about. Empty means no candidate qualified.
func ExtractOriginalURL(body, platform string) string {
	urls := ExtractURLs(body)
	if len(urls) == 0 {
		return ""
	}

	for _, shape := range urlShapes {
		if shape.platform != platform {
			continue
		}
		for _, u := range urls {
			if shape.re.MatchString(u) {
				return u
			}
		}
		break
	}

	for _, u := range urls {
		if !isHousekeeping(u) {
			return u
		}
	}
	return ""
}

func isHousekeeping(u string) bool {
	lower := strings.ToLower(u)
	for _, term := range housekeepingTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
