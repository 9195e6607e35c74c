package main

import (
	"fmt"
	"sort"
	"strings"
)

var nameSeparators = strings.NewReplacer(" ", "_", "-", "_", ".", "_")

// normalizeName folds case and separators so "Living-room" and "living room"
// compare equal.
func normalizeName(name string) string {
	name = nameSeparators.Replace(strings.ToLower(strings.TrimSpace(name)))
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}

// matchVacuum picks a vacuum from a ListVacuums reply by DUID, unique_id or
// name. An empty input matches the only vacuum.
func matchVacuum(vacuums []map[string]any, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		if len(vacuums) == 1 {
			return str(vacuums[0]["device_id"]), nil
		}
		return "", fmt.Errorf("%d vacuums found, name one", len(vacuums))
	}

	var byName []string
	needle := normalizeName(input)
	for _, v := range vacuums {
		id := str(v["device_id"])
		if id == input || str(v["unique_id"]) == input {
			return id, nil
		}
		if normalizeName(str(v["name"])) == needle {
			byName = append(byName, id)
		}
	}
	switch len(byName) {
	case 1:
		return byName[0], nil
	case 0:
		names := make([]string, 0, len(vacuums))
		for _, v := range vacuums {
			names = append(names, str(v["name"]))
		}
		sort.Strings(names)
		return "", fmt.Errorf("vacuum %q not found. Available: %s", input, strings.Join(names, ", "))
	default:
		sort.Strings(byName)
		return "", fmt.Errorf("vacuum %q is ambiguous, use a device id: %s", input, strings.Join(byName, ", "))
	}
}
