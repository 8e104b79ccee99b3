package server

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// Scope name rules: lowercase, start/end with [a-z0-9], middle chars may
// include [a-z0-9:_.-], length 1..64. No whitespace or semicolons.
var scopeNameRe = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9:_\.-]{0,62}[a-z0-9])?$`)

// ValidScopeName reports whether the scope name matches the allowed pattern.
func ValidScopeName(name string) bool {
	return scopeNameRe.MatchString(name)
}

// SplitScopes parses a space-separated scope string into a deduplicated list,
// preserving request order.
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, sc := range fields {
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}

// JoinScopes renders a scope list as the wire-format space-separated string.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ResolveScopes computes the granted scope set: the ordered intersection of
// requested and available. Scopes the subject cannot have are silently
// dropped, never errored. An empty request grants everything available.
func ResolveScopes(requested, available []string) []string {
	if len(requested) == 0 {
		out := make([]string, len(available))
		copy(out, available)
		return out
	}
	allowed := make(map[string]struct{}, len(available))
	for _, sc := range available {
		allowed[sc] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, sc := range requested {
		if _, ok := allowed[sc]; !ok {
			continue
		}
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}

// IntersectScopes returns the members of scopes that also appear in limit,
// preserving the order of scopes. Used for the monotonic refresh shrink.
func IntersectScopes(scopes, limit []string) []string {
	allowed := make(map[string]struct{}, len(limit))
	for _, sc := range limit {
		allowed[sc] = struct{}{}
	}
	out := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if _, ok := allowed[sc]; ok {
			out = append(out, sc)
		}
	}
	return out
}

// UnionScopes merges scope lists without duplicates, preserving first-seen
// order. Used to combine default scopes with per-role scopes.
func UnionScopes(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, sc := range list {
			if _, ok := seen[sc]; ok {
				continue
			}
			seen[sc] = struct{}{}
			out = append(out, sc)
		}
	}
	return out
}

// ContainsScope reports membership.
func ContainsScope(scopes []string, want string) bool {
	for _, sc := range scopes {
		if sc == want {
			return true
		}
	}
	return false
}

// ScopeSetHash produces an order-insensitive fingerprint of a scope set. It
// keys the uniqueness constraint on Authorization records, so two requests for
// the same scopes in different order converge to the same record.
func ScopeSetHash(scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, " ")))
	return hex.EncodeToString(sum[:])
}
