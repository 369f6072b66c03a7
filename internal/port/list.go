package port

import (
	"sort"

	"go.bug.st/serial/enumerator"
)

// ListAvailable returns a best-effort, sorted, de-duplicated list of serial
// device names present on the system. It never guesses a port name on the
// caller's behalf; callers (cmd/proparcored or the scanner's operator-
// triggered sweep) always pass one in explicitly, falling back to this list
// only to populate a choice, never to probe blind.
func ListAvailable() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ports))
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		if p == nil || p.Name == "" {
			continue
		}
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out, nil
}
