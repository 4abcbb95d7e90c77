package session

import "encoding/json"

// encodeSessionData serializes the local session data map for the
// transport handshake's opaque user-data field. A nil/empty map encodes
// as "{}" rather than "null" so the peer's decode always yields a usable
// map.
func encodeSessionData(data map[string]interface{}) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// decodeSessionData parses the remote peer's user-data field. Any
// decode failure (including an empty payload) yields an empty map rather
// than an error, since GetSession has no error return (spec.md §3).
func decodeSessionData(raw []byte) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
