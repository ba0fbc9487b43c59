package config

import (
	"time"
)

// Options wraps a component's free-form options map for typed extraction.
// Accessors return the default if the key is missing or the value has
// the wrong type, so kind-specific code never has to type-assert.
type Options struct {
	data map[string]any
}

// NewOptions creates Options from the given map. A nil map is treated as empty.
func NewOptions(data map[string]any) Options {
	if data == nil {
		data = make(map[string]any)
	}
	return Options{data: data}
}

// String returns the string value for key, or defaultVal.
func (o Options) String(key, defaultVal string) string {
	if s, ok := o.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal.
//
// Accepts:
//   - string: parsed with time.ParseDuration
//   - int, int64, float64: interpreted as seconds
func (o Options) Duration(key string, defaultVal time.Duration) time.Duration {
	switch val := o.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	}
	return defaultVal
}
