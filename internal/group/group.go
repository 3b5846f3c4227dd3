// package group canonicalizes the small key/value dimension maps used to
// partition dashboards and queries (e.g. region, desk).
package group

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultKey is the sentinel for an empty or absent group.
const DefaultKey = "default"

// Hash returns a stable 16-hex-char digest of the group map. Keys are sorted
// before serialization so equal maps always hash identically. Collisions are
// acceptable; this partitions dashboards, it is not a security boundary.
func Hash(group map[string]interface{}) string {
	if len(group) == 0 {
		return DefaultKey
	}
	// encoding/json sorts map keys, so the serialization is canonical.
	serialized, err := json.Marshal(group)
	if err != nil {
		return DefaultKey
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:8])
}

// Label renders the group as sorted "key=value" pairs for display.
func Label(group map[string]interface{}) string {
	if len(group) == 0 {
		return DefaultKey
	}
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, group[k]))
	}
	return strings.Join(parts, " / ")
}

// ParseJSON decodes a persisted group_dims column. Malformed or empty input
// yields an empty map rather than an error.
func ParseJSON(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}
