package config

import "strings"

// ParseShebang parses the first line of a task body for a shebang
// directive ("#!interpreter [args...]"). Returns ok=false if body does not
// begin with "#!".
func ParseShebang(body string) (sb Shebang, ok bool) {
	firstLine := body
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		firstLine = body[:idx]
	}
	firstLine = strings.TrimRight(firstLine, "\r")

	if !strings.HasPrefix(firstLine, "#!") {
		return Shebang{}, false
	}

	fields := strings.Fields(strings.TrimPrefix(firstLine, "#!"))
	if len(fields) == 0 {
		return Shebang{}, false
	}

	return Shebang{Interpreter: fields[0], Args: fields[1:]}, true
}

// ShebangBody returns the task body with the shebang line (if any) removed.
func ShebangBody(body string) string {
	if idx := strings.IndexByte(body, '\n'); idx >= 0 && strings.HasPrefix(body, "#!") {
		return body[idx+1:]
	}
	if strings.HasPrefix(body, "#!") {
		return ""
	}
	return body
}
