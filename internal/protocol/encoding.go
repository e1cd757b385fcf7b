package protocol

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// EncodeBody encodes raw bytes with standard padded base64 for the body field.
func EncodeBody(body []byte) string {
	return base64.StdEncoding.EncodeToString(body)
}

// DecodeBody decodes a base64 body field back to raw bytes.
func DecodeBody(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	return data, nil
}

// HeadersToMap converts an http.Header into the wire header format. names are
// lowercased, multiple values per name are preserved.
func HeadersToMap(headers http.Header) map[string][]string {
	m := make(map[string][]string, len(headers))
	for name, values := range headers {
		key := strings.ToLower(name)
		m[key] = append(m[key], values...)
	}
	return m
}

// MapToHeaders converts wire headers back into an http.Header. names that are
// not valid header tokens are skipped silently.
func MapToHeaders(m map[string][]string) http.Header {
	headers := make(http.Header, len(m))
	for name, values := range m {
		if !validHeaderName(name) {
			continue
		}
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return headers
}

// validHeaderName reports whether name is a legal HTTP field name token.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isTokenByte(name[i]) {
			return false
		}
	}
	return true
}

func isTokenByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
