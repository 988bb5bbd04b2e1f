package pipeline

import "github.com/google/uuid"

// wellKnownSpace namespaces well-known node IDs so they cannot collide with
// IDs derived elsewhere.
var wellKnownSpace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// WellKnownID derives a stable node ID from a human-readable name. Clients
// use well-known IDs to poll for a node's responses without keeping the
// generated pipeline around.
func WellKnownID(name string) string {
	return uuid.NewSHA1(wellKnownSpace, []byte(name)).String()
}

// NewNodeID generates a fresh random node ID.
func NewNodeID() string {
	return uuid.NewString()
}
