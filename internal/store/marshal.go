package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Value kinds stored in the kv.kind column.
const (
	kindString = "string"
	kindList   = "list"
)

// marshalList converts a string tuple to JSON TEXT for storage.
// Uses json.Encoder with HTML escaping disabled so stored names stay readable.
func marshalList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(values); err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalList parses JSON TEXT produced by marshalList.
func unmarshalList(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}
