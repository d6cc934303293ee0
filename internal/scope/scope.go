// Package scope is the shared scope-string representation used wherever
// requested or granted OAuth2 scope needs to be checked or rendered.
// Grounded on dex's scope/scope.go (the Scopes string-slice type, its
// HasScope/OfflineAccess/Contains methods), generalized from dex's own
// "groups"/cross-client-auth scopes into the subset-check this spec's
// refresh-token rotation and access-token claim assembly both need.
package scope

import "strings"

// Scopes is a requested or granted OAuth2 scope set.
type Scopes []string

// HasScope reports whether want is present verbatim.
func (s Scopes) HasScope(want string) bool {
	for _, cur := range s {
		if cur == want {
			return true
		}
	}
	return false
}

// OfflineAccess reports whether the offline_access scope was requested
// (RFC 6749 extension used to signal a refresh token is wanted).
func (s Scopes) OfflineAccess() bool {
	return s.HasScope("offline_access")
}

// Contains reports whether every entry of other is present in s, i.e.
// whether other is a subset of s. Used to enforce that a refresh-token
// rotation's requested scope never widens beyond the family's frozen
// allowed scope.
func (s Scopes) Contains(other Scopes) bool {
	have := make(map[string]struct{}, len(s))
	for _, cur := range s {
		have[cur] = struct{}{}
	}
	for _, want := range other {
		if want == "" {
			continue
		}
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// String renders s as the space-separated scope value OAuth2 puts on the
// wire (RFC 6749 §3.3).
func (s Scopes) String() string {
	return strings.Join(s, " ")
}

// Parse splits a wire-format space-separated scope value back into Scopes.
func Parse(raw string) Scopes {
	if raw == "" {
		return nil
	}
	return Scopes(strings.Fields(raw))
}
