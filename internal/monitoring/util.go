package monitoring

import "encoding/json"

// jsonRoundtrip converts a typed struct into a map[string]any suitable for a
// PulseEvent payload, since PulseEvent.Payload is a loosely-typed map.
func jsonRoundtrip(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
