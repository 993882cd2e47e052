package db

import "github.com/google/uuid"

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewIncidentID returns an id for an incident about to be recorded.
func NewIncidentID() string {
	return newID("inc")
}
