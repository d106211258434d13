package profile

import "strings"

// Identity is the opaque, stable handle of a user issued by the identity provider.
// The zero value means "no identity" (signed out).
type Identity string

// IsZero reports whether id is the "none" identity.
func (id Identity) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// String returns the raw identity.
func (id Identity) String() string {
	return string(id)
}

// IdentityProvider reports identity changes.
// The callback receives the zero Identity on sign-out.
type IdentityProvider interface {
	// OnIdentityChange registers fn and returns a function that removes it.
	// Implementations invoke fn with the current identity right after registration.
	OnIdentityChange(fn func(Identity)) (cancel func())
}
