package security

import (
	"errors"
	"os"
)

// ErrRunningAsRoot is returned when the process effective user ID is 0 (root).
var ErrRunningAsRoot = errors.New("refusing to run as root: run as a non-root user for security")

// effectiveUIDGetter is os.Geteuid, which returns -1 on Windows.
var effectiveUIDGetter func() int = os.Geteuid

// defaultEUID returns -1 (not root); a getter for callers that want no root check.
func defaultEUID() int { return -1 }

// EffectiveUIDGetter returns the platform effective-UID getter for use with RequireNonRoot.
func EffectiveUIDGetter() func() int {
	return effectiveUIDGetter
}

// RequireNonRoot returns an error if the effective user ID from the given getter is 0 (root).
// Callers pass a getter (e.g. EffectiveUIDGetter() or a test double) so the check is testable.
func RequireNonRoot(euidGetter func() int) error {
	if euidGetter == nil {
		return nil
	}
	if euidGetter() == 0 {
		return ErrRunningAsRoot
	}
	return nil
}
