package observability

import "strings"

// scrub drops control characters and truncates. Log fields carry
// client-supplied text, so raw values could forge log lines.
func scrub(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)
	if runes := []rune(cleaned); len(runes) > limit {
		cleaned = string(runes[:limit])
	}
	return cleaned
}

func scrubRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrub(route, 180)
}

func scrubMethod(method string) string {
	return scrub(method, 10)
}

func scrubUID(uid string) string {
	return scrub(uid, 64)
}
