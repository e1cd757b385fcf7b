package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// token validity window.
const _token_validity = 5 * time.Minute

// TokenValidator checks agent credentials presented at channel open.
type TokenValidator interface {
	Validate(token string) error
}

// HMACValidator validates shared-secret tokens in the "hmac:timestamp"
// format.
type HMACValidator struct {
	secret string
}

// NewHMACValidator creates a validator for the given shared secret.
func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{secret: secret}
}

// GenerateToken creates an hmac-sha256 auth token in the format "hmac:timestamp".
func GenerateToken(secret string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := _compute_hmac(secret, ts)
	return mac + ":" + ts
}

// Validate checks an hmac-sha256 auth token against the shared secret.
func (v *HMACValidator) Validate(token string) error {
	if token == "" {
		return fmt.Errorf("missing token")
	}
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed token: expected hmac:timestamp")
	}
	mac, tsStr := parts[0], parts[1]

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp in token: %w", err)
	}

	diff := time.Duration(math.Abs(float64(time.Now().Unix()-ts))) * time.Second
	if diff > _token_validity {
		return fmt.Errorf("token expired: age %v exceeds %v", diff, _token_validity)
	}

	expected := _compute_hmac(v.secret, tsStr)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return fmt.Errorf("invalid hmac signature")
	}
	return nil
}

// _compute_hmac generates a hex-encoded hmac-sha256 of the given message.
func _compute_hmac(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// ExtractToken pulls the agent credential from an upgrade request: the
// Authorization bearer header is preferred, the token query parameter is the
// fallback for clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}
