package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.Identity = hashString(rec.Identity, salt)
	rec.InputRaw = redactInput(rec.InputRaw, salt)
	return rec
}

// redactInput keeps the shape of the submitted payload but replaces every
// string value with a salted hash. Callers may send arbitrary prompt or
// response text through the governance endpoints and none of it belongs in
// the audit table verbatim.
func redactInput(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		fallback := map[string]interface{}{
			"input_hash":      hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(fallback)
		return b
	}
	redacted := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		redacted[k] = redactValue(v, salt)
	}
	b, _ := json.Marshal(redacted)
	return b
}

func redactValue(v interface{}, salt []byte) interface{} {
	switch t := v.(type) {
	case string:
		return hashString(t, salt)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[k] = redactValue(inner, salt)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, inner := range t {
			out = append(out, redactValue(inner, salt))
		}
		return out
	default:
		// Numbers and booleans carry decision metadata, not payload text.
		return v
	}
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
