package agentfrontend

import (
	"fmt"
	"strconv"
	"strings"
)

// version is a parsed MAJOR.MINOR.PATCH agent handshake version.
type version [3]int

// parseVersion parses a "MAJOR.MINOR.PATCH" string. Any non-numeric part or
// a part count other than three is rejected.
func parseVersion(raw string) (version, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return version{}, fmt.Errorf("agentfrontend: version %q must have 3 dot-separated parts", raw)
	}

	var v version
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return version{}, fmt.Errorf("agentfrontend: non-numeric version part %q: %w", p, err)
		}
		v[i] = n
	}
	return v, nil
}

// lessThan reports whether v is lexicographically-by-tuple lower than other,
// i.e. whether v fails the minimum-version gate.
func (v version) lessThan(other version) bool {
	for i := 0; i < 3; i++ {
		if v[i] != other[i] {
			return v[i] < other[i]
		}
	}
	return false
}
