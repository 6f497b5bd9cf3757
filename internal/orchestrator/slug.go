package orchestrator

import "strings"

// maxSlugLen bounds pie slugs.
const maxSlugLen = 32

// Slugify derives a pie slug from a human name: lowercase, runs of
// non-alphanumerics collapsed to single hyphens, outer hyphens trimmed,
// truncated to 32 characters. The result may be empty (e.g. for "***");
// callers must reject empty slugs.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}
