package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Fingerprint computes sha256(canonicalJSON(manifest) + "\n---\n" +
// normalizedSpec), per spec §3. It is stable under manifest key reordering
// and CRLF/trailing-whitespace variation in spec, and changes when any byte
// of either normalized input changes.
func Fingerprint(m *Manifest, spec string) (string, error) {
	canon, err := canonicalJSON(m)
	if err != nil {
		return "", err
	}
	normalizedSpec := normalizeSpec(spec)

	h := sha256.New()
	h.Write(canon)
	h.Write([]byte("\n---\n"))
	h.Write([]byte(normalizedSpec))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON marshals a manifest to JSON with recursively sorted object
// keys, so the fingerprint is independent of Go struct field order or
// incidental map iteration order.
func canonicalJSON(m *Manifest) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			valJSON, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(valJSON)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil

	case []interface{}:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			itemJSON, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			b.Write(itemJSON)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil

	default:
		return json.Marshal(val)
	}
}

// normalizeSpec applies CRLF->LF normalization and strips trailing
// whitespace from every line, per spec §3's TaskFingerprint definition.
func normalizeSpec(spec string) string {
	spec = strings.ReplaceAll(spec, "\r\n", "\n")
	spec = strings.ReplaceAll(spec, "\r", "\n")
	lines := strings.Split(spec, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
