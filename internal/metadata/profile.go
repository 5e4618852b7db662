package metadata

import (
	"encoding/json"
)

// ParseDisplayName extracts a display name from kind 0 content: display_name
// when it is a JSON string, otherwise name when it is a JSON string. Empty
// strings are valid names.
func ParseDisplayName(content string) (string, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return "", false
	}

	if name, ok := fields["display_name"].(string); ok {
		return name, true
	}
	if name, ok := fields["name"].(string); ok {
		return name, true
	}
	return "", false
}
