package utils

import (
	"encoding/base64"
	"strings"
)

// Credential IDs, challenges and public key blobs cross the wire as unpadded
// base64url per the WebAuthn spec.

func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode accepts both padded and unpadded input and tolerates
// standard-alphabet strings that slipped through older clients.
func Base64URLDecode(value string) ([]byte, error) {
	value = strings.TrimRight(value, "=")
	value = strings.ReplaceAll(value, "+", "-")
	value = strings.ReplaceAll(value, "/", "_")
	return base64.RawURLEncoding.DecodeString(value)
}
