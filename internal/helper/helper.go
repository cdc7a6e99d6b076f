// Package helper holds small utilities shared across services.
package helper

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GenerateUUID returns a fresh random UUID string. Session tokens and
// analysis ids come from here.
func GenerateUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating uuid: %w", err)
	}
	return id.String(), nil
}

// PrettyPrint dumps a value as indented JSON to stdout, for debugging.
func PrettyPrint(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("Pretty print failed")
		return
	}
	fmt.Println(string(b))
}
