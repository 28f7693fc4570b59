package scxml

import "strings"

// MatchesEvent reports whether any token of a space-separated event
// descriptor matches eventName, per the W3C 3.12/5.9.3 rule (§4.4): "*"
// matches anything; "a.b" matches "a.b" and any name beginning with "a.b.";
// "a.b.*" is equivalent to "a.b"; matching is dot-token-bounded, so "foo"
// never matches "foobar".
func MatchesEvent(descriptors []string, eventName string) bool {
	for _, tok := range descriptors {
		if matchesToken(tok, eventName) {
			return true
		}
	}
	return false
}

func matchesToken(token, eventName string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if token == "*" {
		return true
	}
	token = strings.TrimSuffix(token, ".*")
	if token == eventName {
		return true
	}
	return strings.HasPrefix(eventName, token+".")
}
