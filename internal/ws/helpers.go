package ws

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

func newConnID() string {
	return strings.ToLower(ulid.Make().String())
}

var errBadID = errors.New("invalid id")

// parseID accepts a JSON number, a numeric string or an object with the given key.
func parseID(raw json.RawMessage, key string) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && n > 0 {
			return n, nil
		}
		return 0, errBadID
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if inner, ok := obj[key]; ok {
			return parseID(inner, key)
		}
	}
	return 0, errBadID
}

// parseUserID accepts "<kind>:<id>" either bare or as {"userId": "..."}.
func parseUserID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.UserID != "" {
		return obj.UserID, nil
	}
	return "", errBadID
}
