package model

import (
	"github.com/google/uuid"
)

// GenerateID returns a random UUID v4 string used for command, message and
// session identifiers.
func GenerateID() string {
	return uuid.NewString()
}

func ValidateID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
