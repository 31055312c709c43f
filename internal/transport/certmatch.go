package transport

import "strings"

// MatchName reports whether a certificate name pattern matches host.
//
// A leading "*." wildcard is honoured only when the rest of the pattern
// still holds at least two dots, so "*.com" never matches. Wildcards are
// disabled when either side is a dotted-numeric literal. All comparisons
// are case-insensitive.
func MatchName(pattern, host string) bool {
	if pattern == "" {
		return false
	}

	if strings.HasPrefix(pattern, "*.") && !isNumeric(pattern) && !isNumeric(host) {
		suffix := pattern[1:]
		if strings.Count(suffix, ".") >= 2 {
			if len(host) > len(suffix) {
				host = host[len(host)-len(suffix):]
			}
			return strings.EqualFold(suffix, host)
		}
	}

	return strings.EqualFold(pattern, host)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			return false
		}
	}
	return true
}
