package unified

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize produces deterministic JSON for v: object keys are sorted
// recursively and undefined (nil map entry) values are omitted, so two
// structurally equal values always serialize to the same bytes. Used for
// tracing and dedup keys, never for wire traffic.
func Canonicalize(v any) ([]byte, error) {
	// Round-trip through encoding/json first so struct tags, omitempty and
	// custom marshalers all apply before key sorting.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if val[k] == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalize: %w", err)
		}
		buf.Write(b)
		return nil
	}
}
