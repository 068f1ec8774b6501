// Package fingerprint derives a stable digest from task inputs so that
// logically identical submissions collide regardless of key order,
// letter case, or whitespace.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Size is the number of hex characters kept from the digest.
const Size = 16

// Compute canonicalizes raw JSON inputs and returns the first Size hex
// characters of their SHA-256 digest. Non-JSON payloads hash as an
// opaque trimmed string.
func Compute(inputs json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(inputs, &decoded); err != nil {
		return digest(strings.TrimSpace(string(inputs)))
	}
	var b strings.Builder
	writeCanonical(&b, decoded)
	return digest(b.String())
}

func digest(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:Size]
}

// writeCanonical renders a decoded JSON value deterministically:
// object keys sorted, strings lowercased with whitespace collapsed.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(normalizeString(k))
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		b.WriteString(normalizeString(val))
	case nil:
		b.WriteString("null")
	default:
		fmt.Fprintf(b, "%v", val)
	}
}

func normalizeString(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
