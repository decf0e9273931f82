package main

import "strings"

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if trimmed == "" || strings.HasPrefix(trimmed, "-") {
			continue
		}
		return trimmed
	}
	return "root"
}

// redactArgs masks values of credential-looking flags before they reach the
// log file. Bot command lines often carry API tokens.
func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && isSensitiveToken(strings.ToLower(key)) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}

		if strings.HasPrefix(trimmed, "-") && isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, redactCommandLine(trimmed))
	}

	return redacted
}

// redactCommandLine masks credentials embedded inside one quoted command line,
// such as a --player value.
func redactCommandLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return line
	}
	masked := redactArgs(fields)
	return strings.Join(masked, " ")
}

func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"api_key",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
