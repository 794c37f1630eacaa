package helpers

import (
	"strings"

	"github.com/pkg/errors"
)

// ParseAssignments turns "key=value" arguments into a map. Keys are trimmed and
// lowercased; values are kept verbatim after the first "=".
func ParseAssignments(args []string) (map[string]string, error) {
	m := make(map[string]string, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid assignment %q, expected key=value", arg)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		if key == "" {
			return nil, errors.Errorf("invalid assignment %q, empty key", arg)
		}
		m[key] = parts[1]
	}
	return m, nil
}
