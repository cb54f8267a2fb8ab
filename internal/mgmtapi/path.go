package mgmtapi

import (
	"fmt"
	"strconv"
	"strings"
)

// parseVMPath splits "/v1/vms/{id}/{action}" into its id and action parts.
func parseVMPath(p string) (id uint32, action string, err error) {
	trimmed := strings.TrimPrefix(p, "/v1/vms/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return 0, "", fmt.Errorf("mgmtapi: malformed path %q, want /v1/vms/{id}/{action}", p)
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("mgmtapi: bad vm id %q: %w", parts[0], err)
	}
	return uint32(n), parts[1], nil
}

// parseNodeIDPath extracts the trailing node id from a prefixed path such
// as "/v1/evacuate/{id}".
func parseNodeIDPath(p, prefix string) (uint32, error) {
	trimmed := strings.TrimPrefix(p, prefix)
	if trimmed == "" {
		return 0, fmt.Errorf("mgmtapi: malformed path %q, want %s{id}", p, prefix)
	}
	n, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("mgmtapi: bad node id %q: %w", trimmed, err)
	}
	return uint32(n), nil
}
