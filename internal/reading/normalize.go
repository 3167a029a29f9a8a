package reading

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey derives the canonical id for a human-readable reading name:
// trim, lowercase, replace space / - ( ) with underscores, then collapse
// runs of underscores. Deterministic and total; two names may collide, in
// which case the later write wins.
func NormalizeKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '-', '(', ')':
			return '_'
		}
		return r
	}, key)
	for strings.Contains(key, "__") {
		key = strings.ReplaceAll(key, "__", "_")
	}
	return key
}

// CoerceString converts raw source text into a Value. Typing is purely
// lexical: the sentinels nan/inf/-inf/null (case-insensitive) become Null,
// a '.' or exponent marker selects float, anything else is tried as an
// integer, and parse failure degrades to Text. Never fails.
func CoerceString(raw string) Value {
	switch strings.ToLower(raw) {
	case "nan", "inf", "-inf", "null":
		return Null()
	}
	if strings.ContainsAny(raw, ".eE") {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Text(raw)
		}
		return Float(f)
	}
	i, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Text(raw)
	}
	return Int(i)
}

// CoerceJSON converts a decoded JSON value into a Value. The decoder must
// run with UseNumber so numbers keep their lexical form; the API supplies
// values as either numbers or strings.
func CoerceJSON(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Null()
	case json.Number:
		return CoerceString(v.String())
	case string:
		return CoerceString(v)
	case bool:
		return Bool(v)
	case float64:
		// Decoders without UseNumber hand every number over as float64.
		return Float(v)
	default:
		return Text(fmt.Sprintf("%v", v))
	}
}
