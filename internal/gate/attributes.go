package gate

import (
	"encoding/json"
	"fmt"
)

// marshalAttributes encodes session attributes for the SQL stores.
func marshalAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(b), nil
}
