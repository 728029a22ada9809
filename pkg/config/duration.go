package config

import (
	"encoding/json/v2"
	"fmt"
	"time"
)

// Duration is a time.Duration that can be unmarshaled from a JSON string like "10s", "1m", etc.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try parsing as number (seconds)
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected duration string or number, got %s", string(data))
		}
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
