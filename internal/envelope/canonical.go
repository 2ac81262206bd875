package envelope

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/sentientos/glow/internal/pulse"
)

// Canonicalize produces the deterministic byte string that every signature
// in this system is computed over: sorted-key, separator-free JSON of the
// event with `signature` and `source_peer` removed. Every signer and
// verifier in the codebase must route through this function.
func Canonicalize(e pulse.Event) ([]byte, error) {
	return CanonicalizeExcluding(e, "signature", "source_peer")
}

// CanonicalizeExcluding is the generic form used by non-pulse signed
// records (e.g. monitoring.Snapshot, manifest.Manifest): the same
// sorted-key, separator-free JSON rendering, with the named top-level
// fields removed before encoding.
func CanonicalizeExcluding(v any, exclude ...string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	for _, field := range exclude {
		delete(asMap, field)
	}
	return encodeSorted(asMap)
}

// encodeSorted renders a map[string]json.RawMessage with keys in sorted
// order and no extraneous whitespace, recursing into nested objects so that
// every level of the structure is canonicalized the same way.
func encodeSorted(m map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valueBytes, err := canonicalizeValue(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valueBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func canonicalizeValue(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return canonicalizeArray(trimmed)
		}
		// scalars (string/number/bool/null) are already minimal once
		// re-marshaled without indentation; compact defensively.
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return nil, err
		}
		return compact.Bytes(), nil
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &nested); err != nil {
		return nil, err
	}
	return encodeSorted(nested)
}

func canonicalizeArray(raw json.RawMessage) ([]byte, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := canonicalizeValue(item)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
