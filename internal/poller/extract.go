package poller

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field names probed, in order, when a source configures none of its own.
var defaultIDFields = []string{"id", "Id", "ID", "identifier", "key", "uuid"}

// record is one logical item lifted out of a poll response.
type record struct {
	// body is what gets spooled and hashed: the canonical JSON encoding
	// for JSON records, the raw response bytes for anything else.
	body []byte
	// fields is the decoded object used for identity probing; nil for
	// non-object records.
	fields map[string]any
	// structured marks JSON records.
	structured bool
}

// splitRecords breaks a response body into logical records. A configured
// response path must lead to an array; anything else is an error. Without
// a path: a JSON array is split element-wise, an object carrying a data
// or items array likewise, and any other body, JSON or not, is a single
// record.
func splitRecords(body []byte, path string) ([]record, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		if path != "" {
			return nil, fmt.Errorf("response path %q: body is not JSON: %w", path, err)
		}
		return []record{{body: body}}, nil
	}

	if path != "" {
		node := payload
		for _, seg := range strings.Split(path, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("response path %q: segment %q is not an object", path, seg)
			}
			node, ok = obj[seg]
			if !ok {
				return nil, fmt.Errorf("response path %q: segment %q not found", path, seg)
			}
		}
		arr, ok := node.([]any)
		if !ok {
			return nil, fmt.Errorf("response path %q does not point at an array", path)
		}
		return elementRecords(arr)
	}

	switch v := payload.(type) {
	case []any:
		return elementRecords(v)
	case map[string]any:
		if arr, ok := v["data"].([]any); ok {
			return elementRecords(arr)
		}
		if arr, ok := v["items"].([]any); ok {
			return elementRecords(arr)
		}
	}
	return wholeRecord(payload)
}

// elementRecords re-encodes each array element. Re-encoding a decoded
// value sorts object keys, so equal records always produce equal bytes
// and therefore an equal hash.
func elementRecords(arr []any) ([]record, error) {
	out := make([]record, 0, len(arr))
	for _, el := range arr {
		b, err := json.Marshal(el)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		rec := record{body: b, structured: true}
		if m, ok := el.(map[string]any); ok {
			rec.fields = m
		}
		out = append(out, rec)
	}
	return out, nil
}

func wholeRecord(payload any) ([]record, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	rec := record{body: b, structured: true}
	if m, ok := payload.(map[string]any); ok {
		rec.fields = m
	}
	return []record{rec}, nil
}

// recordIdentity probes the candidate field names in order and returns
// the first present value as a filesystem-safe stem. Returns "" when no
// candidate matches so the caller can fall back to a generated id.
func recordIdentity(fields map[string]any, candidates []string) string {
	if len(candidates) == 0 {
		candidates = defaultIDFields
	}
	for _, f := range candidates {
		v, ok := fields[f]
		if !ok || v == nil {
			continue
		}
		return sanitizeName(fmt.Sprintf("%v", v))
	}
	return ""
}

// sanitizeName keeps a string safe for use as a file name component.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
