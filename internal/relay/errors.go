package relay

import "strings"

// substrings of error messages that are safe to show public clients. anything
// else collapses to a generic message so internals never leak.
var _safe_error_markers = []string{
	"Invalid tunnel ID",
	"InvalidRequestId",
	"PathTooLong",
	"HeaderValueTooLong",
	"Request timeout",
	"Missing tunnel ID",
	"Request entity too large",
}

// SanitizeErrorMessage returns the error text when it matches a known safe
// marker, otherwise a generic message.
func SanitizeErrorMessage(err error) string {
	if err == nil {
		return "Internal server error"
	}
	msg := err.Error()
	for _, marker := range _safe_error_markers {
		if strings.Contains(msg, marker) {
			return msg
		}
	}
	return "Internal server error"
}
