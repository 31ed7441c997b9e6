package join

import "github.com/nodemesh/controlplane/internal/hashchain"

// resolveProfileHash implements spec.md §4.3.2's profile-hash resolution:
// if no profile is supplied, the caller's asserted hash is taken at face
// value (or dropped if malformed); if a profile is supplied, its hash is
// always recomputed and any asserted hash must agree with it.
func resolveProfileHash(providedHash string, profile map[string]any) (string, *Error) {
	if profile == nil {
		if providedHash != "" && hashchain.IsHex64(providedHash) {
			return providedHash, nil
		}
		return "", nil
	}

	computed, err := hashchain.HardwareProfileHash(profile)
	if err != nil {
		return "", newError(KindInternalError, "computing hardware profile hash: %v", err)
	}
	if providedHash != "" {
		if !hashchain.IsHex64(providedHash) || providedHash != computed {
			return "", newError(KindHardwareProfileHashMismatch, "supplied hardware_profile_hash does not match the submitted profile")
		}
	}
	return computed, nil
}
