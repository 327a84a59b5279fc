package server

import (
	"fmt"
	"strings"
)

// NamingPolicy selects how display names are assigned to new sessions.
type NamingPolicy string

const (
	// NamingRegistrySize derives the name from the registry size at
	// connection time. Names repeat once clients disconnect and others join.
	NamingRegistrySize NamingPolicy = "size"

	// NamingSequence assigns names from a counter that never goes back.
	NamingSequence NamingPolicy = "sequence"
)

// ParseNamingPolicy validates a policy name. An empty value selects
// NamingRegistrySize.
func ParseNamingPolicy(value string) (NamingPolicy, error) {
	switch NamingPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", NamingRegistrySize:
		return NamingRegistrySize, nil
	case NamingSequence:
		return NamingSequence, nil
	default:
		return "", fmt.Errorf("unknown naming policy %q (want %q or %q)", value, NamingRegistrySize, NamingSequence)
	}
}

func displayName(n int) string {
	return fmt.Sprintf("User %d", n)
}
