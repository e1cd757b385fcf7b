package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validation limits for user-supplied input. these guard against log
// poisoning, header injection and oversized payloads.
const (
	MaxPathLength        = 2048
	MaxHeaderValueLength = 8192
	MaxBodySize          = 2 * 1024 * 1024
)

// ErrInvalidMessage is wrapped by Decode for malformed or unknown envelopes.
var ErrInvalidMessage = errors.New("invalid message")

var (
	_tunnel_id_re  = regexp.MustCompile(`^[a-z0-9]{12}$`)
	_request_id_re = regexp.MustCompile(`^req_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	_channel_id_re = regexp.MustCompile(`^[A-Za-z0-9_=\-]{1,128}$`)
)

// ValidateTunnelID checks the 12-char lowercase alphanumeric grammar. the
// error message is safe to surface to public clients.
func ValidateTunnelID(id string) error {
	if !_tunnel_id_re.MatchString(id) {
		return fmt.Errorf("Invalid tunnel ID format: %s", _truncate(id, 50))
	}
	return nil
}

// ValidateRequestID checks the "req_" + UUID v4 grammar.
func ValidateRequestID(id string) error {
	if !_request_id_re.MatchString(id) {
		return fmt.Errorf("InvalidRequestId: %s", _truncate(id, 50))
	}
	return nil
}

// ValidateChannelID checks the opaque transport channel id grammar.
func ValidateChannelID(id string) error {
	if !_channel_id_re.MatchString(id) {
		return fmt.Errorf("InvalidChannelId: %s", _truncate(id, 50))
	}
	return nil
}

// ValidatePath sanitises an HTTP path: enforces the length cap, strips
// control bytes (tab excepted), normalises "" to "/" and inserts a missing
// leading slash.
func ValidatePath(path string) (string, error) {
	if len(path) > MaxPathLength {
		return "", fmt.Errorf("PathTooLong: %d bytes (max: %d)", len(path), MaxPathLength)
	}

	sanitized := _strip_controls(path)
	switch {
	case sanitized == "":
		return "/", nil
	case strings.HasPrefix(sanitized, "/"):
		return sanitized, nil
	default:
		return "/" + sanitized, nil
	}
}

// SanitizeHeaderValue enforces the value length cap and strips control bytes
// except tab, which HTTP permits in field values.
func SanitizeHeaderValue(value string) (string, error) {
	if len(value) > MaxHeaderValueLength {
		return "", fmt.Errorf("HeaderValueTooLong: %d bytes (max: %d)", len(value), MaxHeaderValueLength)
	}
	return _strip_controls(value), nil
}

// SanitizeHeaderName lowercases an ASCII header name, dropping control
// bytes. non-ASCII or empty names are rejected.
func SanitizeHeaderName(name string) (string, error) {
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return "", fmt.Errorf("invalid header name: non-ascii byte")
		}
	}
	sanitized := _strip_controls(name)
	if sanitized == "" {
		return "", fmt.Errorf("invalid header name: empty after sanitisation")
	}
	return strings.ToLower(sanitized), nil
}

// _strip_controls removes control characters from s, keeping tab.
func _strip_controls(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// _truncate limits an untrusted string quoted inside error messages.
func _truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
