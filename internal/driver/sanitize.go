package driver

import "strings"

// sanitizeName turns an arbitrary session id into a deterministic
// Docker-safe resource name: lowercase, restricted to [a-z0-9-],
// prefixed so it never starts with a digit or dash, and capped to a
// length Docker and most orchestrators accept for object names.
func sanitizeName(prefix, sessionID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(sessionID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune('-')
		}
	}

	name := prefix + "-" + b.String()
	const maxLen = 63
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return strings.TrimRight(name, "-")
}
