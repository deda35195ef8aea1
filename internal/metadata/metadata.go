// Package metadata derives the filter tag that ties a payment to one
// buyer/seller pair. The same string is written into payment memos and
// invoice descriptions, and is matched when payments come back.
package metadata

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Label prefixes every tag so foreign memos on a shared ledger are ignored.
const Label = "paygate"

var (
	ErrInvalidKey   = errors.New("key must be non-empty hex")
	ErrForeignLabel = errors.New("description does not carry the paygate label")
	ErrMalformedTag = errors.New("malformed payment description")
)

// NormalizeKey validates a hex identity and lower-cases it.
func NormalizeKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", ErrInvalidKey
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", ErrInvalidKey
	}
	return key, nil
}

// Tag returns "paygate: <seller> <buyer>". Keys are hex, so neither can
// contain the separator and distinct pairs always give distinct tags.
func Tag(seller, buyer string) string {
	return fmt.Sprintf("%s: %s %s", Label, strings.ToLower(seller), strings.ToLower(buyer))
}

// Parse splits a description produced by Tag.
func Parse(description string) (seller, buyer string, err error) {
	label, info, ok := strings.Cut(description, ":")
	if !ok || strings.TrimSpace(label) != Label {
		return "", "", ErrForeignLabel
	}
	parts := strings.Fields(info)
	if len(parts) != 2 {
		return "", "", ErrMalformedTag
	}
	if seller, err = NormalizeKey(parts[0]); err != nil {
		return "", "", ErrMalformedTag
	}
	if buyer, err = NormalizeKey(parts[1]); err != nil {
		return "", "", ErrMalformedTag
	}
	return seller, buyer, nil
}
