package results

import "strconv"

// parseCallDepth implements spec.md §6's x-call-depth rule: absent defaults
// to 0; any non-integer or out-of-range value is rejected.
func parseCallDepth(header string, max int) (int, *Error) {
	if header == "" {
		return 0, nil
	}
	depth, err := strconv.Atoi(header)
	if err != nil {
		return 0, newError(KindInvalidCallDepth, "x-call-depth must be an integer, got %q", header)
	}
	if depth < 0 || depth > max {
		return 0, newError(KindInvalidCallDepth, "x-call-depth %d out of range 0..%d", depth, max)
	}
	return depth, nil
}
