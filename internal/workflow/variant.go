// Package workflow implements the per-host provisioning pipeline: a
// sequential state machine driving one host from allocation through a
// verified, reachable, accounted-for deploy. Each stage appends a
// sentiment-tagged event to the instance's provision log before the
// corresponding state transition commits.
package workflow

import "strings"

// distributionVariant selects the simplified eve path (no phone-home,
// fixed sleeps) vs the full callback-driven path.
type distributionVariant int

const (
	variantDefault distributionVariant = iota
	variantEve
	variantUbuntu
)

func variantForImage(image string) distributionVariant {
	lower := strings.ToLower(image)
	switch {
	case strings.Contains(lower, "eve"):
		return variantEve
	case strings.Contains(lower, "ubuntu"):
		return variantUbuntu
	default:
		return variantDefault
	}
}
