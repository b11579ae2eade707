package router

import "strings"

// compiledKey is a model-route key compiled once at match time into the
// shape the tie-break rule below reasons about directly: literal prefix
// and suffix around a run of `*` wildcards, plus the wildcard count used to
// break ties between two otherwise-equal-specificity matches.
type compiledKey struct {
	raw           string
	literalPrefix string
	literalSuffix string
	wildcardChars int // number of literal '*' characters in raw
	isWildcard    bool
}

func compileKey(raw string) compiledKey {
	if !strings.Contains(raw, "*") {
		return compiledKey{raw: raw, literalPrefix: raw}
	}
	prefix, rest, _ := strings.Cut(raw, "*")
	suffix := rest
	if idx := strings.LastIndex(rest, "*"); idx >= 0 {
		suffix = rest[idx+1:]
	}
	return compiledKey{
		raw:           raw,
		literalPrefix: prefix,
		literalSuffix: suffix,
		wildcardChars: strings.Count(raw, "*"),
		isWildcard:    true,
	}
}

// matches reports whether requestedModel satisfies k. A non-wildcard key
// must equal it exactly; a wildcard key requires requestedModel to start
// with its literal prefix and end with its literal suffix (with room for
// both, so prefix and suffix may not overlap).
func (k compiledKey) matches(requestedModel string) bool {
	if !k.isWildcard {
		return k.raw == requestedModel
	}
	if len(requestedModel) < len(k.literalPrefix)+len(k.literalSuffix) {
		return false
	}
	return strings.HasPrefix(requestedModel, k.literalPrefix) && strings.HasSuffix(requestedModel, k.literalSuffix)
}

// specificity orders keys for the tie-break rule: exact matches first,
// then wildcard matches ordered by fewer wildcard characters (more
// specific), then by longer literal prefix+suffix, then lexicographically.
func (k compiledKey) lessSpecificThan(other compiledKey) bool {
	if k.isWildcard != other.isWildcard {
		return k.isWildcard // exact (non-wildcard) always wins
	}
	if !k.isWildcard {
		return false // both exact and presumably equal; no ordering needed
	}
	if k.wildcardChars != other.wildcardChars {
		return k.wildcardChars > other.wildcardChars // fewer wildcard chars wins
	}
	kLiteral := len(k.literalPrefix) + len(k.literalSuffix)
	otherLiteral := len(other.literalPrefix) + len(other.literalSuffix)
	if kLiteral != otherLiteral {
		return kLiteral < otherLiteral // longer literal match wins
	}
	return k.raw > other.raw // lexicographically smaller wins
}

// matchRoute evaluates every modelRoutes key
// against requestedModel, returning the mapped value of the most specific
// match.
func matchRoute(routes map[string]string, requestedModel string) (string, bool) {
	var bestKey compiledKey
	var bestValue string
	found := false

	for raw, value := range routes {
		k := compileKey(raw)
		if !k.matches(requestedModel) {
			continue
		}
		if !found || bestKey.lessSpecificThan(k) {
			bestKey = k
			bestValue = value
			found = true
		}
	}
	return bestValue, found
}
