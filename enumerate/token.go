package enumerate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/filebridge/filebridge"
)

// token is the decoded form of a continuation token. Tokens are opaque to the
// host; the engine round-trips them as base64 JSON. A token binds to one
// enumeration sequence over one container and is meaningless anywhere else.
type token struct {
	Seq       string            `json:"seq"`
	Container filebridge.ItemID `json:"container"`
	After     string            `json:"after"`
}

func encodeToken(t token) string {
	data, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeToken(raw string) (token, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return token{}, fmt.Errorf("malformed enumeration token: %w", err)
	}
	var t token
	if err := json.Unmarshal(data, &t); err != nil {
		return token{}, fmt.Errorf("malformed enumeration token: %w", err)
	}
	if t.Seq == "" {
		return token{}, fmt.Errorf("malformed enumeration token: missing sequence")
	}
	return t, nil
}
