package utils

import (
	"encoding/json"
)

// MustJSON marshals v, returning nil on failure.
func MustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
