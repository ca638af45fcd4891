// Package idgen provides short, URL-safe unique suffixes backed by nanoid,
// used to keep snapshot directory names collision-free across restarts.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet defines the character set used for generated suffixes. Lowercase
// alphanumerics keep names safe for filesystems and object-store keys alike.
var Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of random characters generated.
var Length = 8

// Generate returns a new unique suffix.
func Generate() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return id, nil
}
