package utils

import "github.com/google/uuid"

// GenerateID returns a new unique identifier string
func GenerateID() string {
	return uuid.New().String()
}

// ValidID reports whether id is a string-encoded UUID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
