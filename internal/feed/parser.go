// Package feed implements the text-endpoint fetch strategy: a plain GET
// against a pre-formatted feed of tab-delimited lines (name, value,
// optional unit), bypassing vendor authentication.
package feed

import (
	"strings"

	"deye-go-cloud/internal/reading"
)

// Parse converts a tab-delimited multi-line payload into a snapshot.
// Per line: trim, split on tabs, drop empty fragments; lines with fewer
// than two remaining fragments are skipped. Malformed or empty input
// yields an empty snapshot, never an error. No synthetic readings are
// added on this path.
func Parse(raw string) reading.Snapshot {
	snap := make(reading.Snapshot)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := make([]string, 0, 3)
		for _, f := range strings.Split(line, "\t") {
			if f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) < 2 {
			continue
		}

		name := strings.TrimSpace(fields[0])
		value := strings.TrimSpace(fields[1])
		unit := ""
		if len(fields) >= 3 {
			unit = strings.TrimSpace(fields[2])
		}

		id := reading.NormalizeKey(name)
		snap[id] = reading.Reading{
			ID:    id,
			Name:  name,
			Value: reading.CoerceString(value),
			Unit:  unit,
		}
	}

	return snap
}
