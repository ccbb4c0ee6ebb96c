// Package obfuscate reverses the obfuscation the upstream player applies to
// translation URLs and playlist bodies. The scheme interleaves base64-encoded
// junk keys into an otherwise ordinary base64 payload; the key table rotates
// upstream, so it is injected configuration rather than a constant here.
package obfuscate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrMalformed marks payloads that carry the obfuscation marker but cannot be
// decoded. Callers treat it as "this candidate is unusable", not as fatal.
var ErrMalformed = errors.New("malformed obfuscated payload")

// KeyTable describes one upstream obfuscation generation.
type KeyTable struct {
	// Marker prefixes obfuscated values; text without it is passed through.
	Marker string `json:"marker"`
	// Separator joins each interleaved key marker.
	Separator string `json:"separator"`
	// Keys in upstream registration order. Decoding strips them in reverse.
	Keys []string `json:"keys"`
}

// Decode reverses the upstream obfuscation. Text that does not start with the
// table's marker is returned unchanged, which covers plain un-obfuscated
// values. The decoded result is a percent-decoded UTF-8 string.
func Decode(text string, table KeyTable) (string, error) {
	if table.Marker == "" || !strings.HasPrefix(text, table.Marker) {
		return text, nil
	}
	payload := strings.TrimPrefix(text, table.Marker)

	// Keys were interleaved first-to-last during encoding, so strip them
	// most-recently-applied first. Every occurrence goes.
	for i := len(table.Keys) - 1; i >= 0; i-- {
		marker := table.Separator + base64.StdEncoding.EncodeToString([]byte(table.Keys[i]))
		payload = strings.ReplaceAll(payload, marker, "")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}

	plain, err := url.PathUnescape(string(raw))
	if err != nil {
		return "", fmt.Errorf("%w: percent-decode: %v", ErrMalformed, err)
	}
	if !utf8.ValidString(plain) {
		return "", fmt.Errorf("%w: decoded text is not valid UTF-8", ErrMalformed)
	}
	return plain, nil
}
