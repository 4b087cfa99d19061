package identity

import "strings"

// CapabilitySet is a set of capability tokens such as "read:data" or
// "deploy:*". A nil/empty set is the identity element for subset checks:
// it is a subset of everything, and only another empty set is a subset of
// it.
type CapabilitySet []string

// Subset reports whether every token in child is covered by some token in
// parent, under the wildcard rules: "*" matches anything; "verb:object"
// matches "verb:*" and an exact "verb:object"; an empty child set is a
// subset of anything.
func Subset(child, parent CapabilitySet) bool {
	if len(child) == 0 {
		return true
	}
	for _, tok := range child {
		if !coveredBy(tok, parent) {
			return false
		}
	}
	return true
}

func coveredBy(tok string, parent CapabilitySet) bool {
	for _, p := range parent {
		if matches(tok, p) {
			return true
		}
	}
	return false
}

// matches reports whether grant covers want: exact match, a literal "*"
// grant, or a "verb:*" grant covering "verb:object".
func matches(want, grant string) bool {
	if grant == "*" {
		return true
	}
	if want == grant {
		return true
	}
	grantVerb, grantWild, ok := strings.Cut(grant, ":")
	if !ok || grantWild != "*" {
		return false
	}
	wantVerb, _, ok := strings.Cut(want, ":")
	if !ok {
		return false
	}
	return wantVerb == grantVerb
}
