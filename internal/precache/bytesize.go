package precache

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
)

// parseBytes reads sizes such as "512", "64m", "1.5g" or "256kb" in binary
// units. "0" means no limit.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
