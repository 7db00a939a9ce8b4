package push

import "encoding/json"

// Field names stripped from every outgoing payload, at any nesting depth.
var sensitiveFields = map[string]bool{
	"password":   true,
	"token":      true,
	"secret":     true,
	"apiKey":     true,
	"privateKey": true,
}

// Sanitize returns a copy of the payload with sensitive fields removed.
// Struct payloads are passed through their JSON form so the result matches
// what would have gone on the wire anyway.
func Sanitize(payload any) any {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]any:
		return sanitizeMap(v)
	case []any:
		return sanitizeSlice(v)
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return payload
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return payload
		}
		switch d := decoded.(type) {
		case map[string]any:
			return sanitizeMap(d)
		case []any:
			return sanitizeSlice(d)
		default:
			return payload
		}
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveFields[k] {
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = sanitizeMap(nested)
		case []any:
			out[k] = sanitizeSlice(nested)
		default:
			out[k] = v
		}
	}
	return out
}

func sanitizeSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		switch nested := v.(type) {
		case map[string]any:
			out[i] = sanitizeMap(nested)
		case []any:
			out[i] = sanitizeSlice(nested)
		default:
			out[i] = v
		}
	}
	return out
}
