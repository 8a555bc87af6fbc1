package store

import "strings"

// prefixed qualifies each column in a comma-separated list with a table
// alias, for RETURNING clauses on aliased updates.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
