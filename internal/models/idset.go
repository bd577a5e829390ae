package models

import (
	"encoding/json"
	"sort"

	"gorm.io/datatypes"
)

// DecodeIDSet converts a JSON column into a slice of identifiers.
// Malformed or empty payloads decode to nil.
func DecodeIDSet(data datatypes.JSON) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// EncodeIDSet serialises a set of identifiers into a JSON column,
// sorted for stable storage and comparison.
func EncodeIDSet(ids []string) datatypes.JSON {
	if len(ids) == 0 {
		return datatypes.JSON("[]")
	}
	cpy := make([]string, len(ids))
	copy(cpy, ids)
	sort.Strings(cpy)
	data, err := json.Marshal(cpy)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}

// IDSetContains reports whether the encoded set holds the identifier.
func IDSetContains(data datatypes.JSON, id string) bool {
	for _, existing := range DecodeIDSet(data) {
		if existing == id {
			return true
		}
	}
	return false
}

// IDSetWith returns the encoded set with the identifier present exactly once.
func IDSetWith(data datatypes.JSON, id string) datatypes.JSON {
	ids := DecodeIDSet(data)
	for _, existing := range ids {
		if existing == id {
			return EncodeIDSet(ids)
		}
	}
	return EncodeIDSet(append(ids, id))
}

// IDSetWithout returns the encoded set with the identifier removed.
func IDSetWithout(data datatypes.JSON, id string) datatypes.JSON {
	ids := DecodeIDSet(data)
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return EncodeIDSet(out)
}
